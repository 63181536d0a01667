// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweeper

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
)

// GenesisHash is the PrevHash of the first record of a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const auditLogFileMode = 0o600

// SweepRecord is one line of the audit log.
//
// # Fields
//
//   - Sequence: 1-based position in the log.
//   - Timestamp: RFC 3339, UTC.
//   - TTLSeconds: TTL the sweep ran with.
//   - Result: Sweep counters.
//   - DurationMs: Sweep duration.
//   - PrevHash: EntryHash of the previous record.
//   - EntryHash: SHA-256 over the other fields.
type SweepRecord struct {
	Sequence   int64                   `json:"sequence"`
	Timestamp  string                  `json:"timestamp"`
	TTLSeconds int64                   `json:"ttl_seconds"`
	Result     resultcache.SweepResult `json:"result"`
	DurationMs int64                   `json:"duration_ms"`
	PrevHash   string                  `json:"prev_hash"`
	EntryHash  string                  `json:"entry_hash"`
}

// AuditLog appends hash-chained sweep records to a JSON lines file.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	sequence int64
	prevHash string
	now      func() time.Time
}

// OpenAuditLog opens or creates the log at path and continues its chain.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("open sweep audit log: %w", err)
	}
	l := &AuditLog{file: file, prevHash: GenesisHash, now: time.Now}
	if err := l.resume(path); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// resume picks up sequence and hash from the last record.
func (l *AuditLog) resume(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read sweep audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SweepRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		l.sequence = rec.Sequence
		l.prevHash = rec.EntryHash
	}
	return scanner.Err()
}

// LogSweep implements Auditor.
func (l *AuditLog) LogSweep(result resultcache.SweepResult, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := SweepRecord{
		Sequence:   l.sequence + 1,
		Timestamp:  l.now().UTC().Format(time.RFC3339),
		TTLSeconds: int64(ttl.Seconds()),
		Result:     result,
		DurationMs: result.Duration.Milliseconds(),
		PrevHash:   l.prevHash,
	}
	rec.EntryHash = recordHash(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sweep record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write sweep record: %w", err)
	}
	l.sequence = rec.Sequence
	l.prevHash = rec.EntryHash
	return nil
}

// Close closes the file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func recordHash(rec SweepRecord) string {
	input := fmt.Sprintf("%d|%s|%d|%d|%d|%d|%d|%d|%d|%s",
		rec.Sequence, rec.Timestamp, rec.TTLSeconds,
		rec.Result.Total, rec.Result.Removed, rec.Result.Errors,
		rec.Result.MarkersRemoved, rec.Result.TempRemoved,
		rec.DurationMs, rec.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks the hash chain of the log at path. It returns the
// number of records verified and the first broken sequence, if any.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prev := GenesisHash
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SweepRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return n, fmt.Errorf("record %d: %w", n+1, err)
		}
		if rec.PrevHash != prev || recordHash(rec) != rec.EntryHash {
			return n, fmt.Errorf("hash chain broken at sequence %d", rec.Sequence)
		}
		prev = rec.EntryHash
		n++
	}
	return n, scanner.Err()
}

var _ Auditor = (*AuditLog)(nil)
