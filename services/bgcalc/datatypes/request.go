// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxIdentifierLength bounds corpus, subcorpus and user identifiers.
	MaxIdentifierLength = 255

	// MaxOps bounds the number of query/operation tokens in one request.
	MaxOps = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("nocontrol", validateNoControl)
}

// validateNoControl rejects identifiers containing ASCII control characters;
// they end up in file names and log lines.
func validateNoControl(fl validator.FieldLevel) bool {
	return !strings.ContainsFunc(fl.Field().String(), func(r rune) bool {
		return r < 0x20 || r == 0x7f
	})
}

// =============================================================================
// Computation Request
// =============================================================================

// ComputationRequest describes one unit of background work.
//
// # Description
//
// A request is an immutable value: the corpus it runs on, an optional
// subcorpus, the ordered query/operation tokens and the named parameters
// that influence the result (frequency limit, sort key, thresholds...).
// Two requests with the same canonical form share one cached result, no
// matter in which order their parameters were put together.
//
// # Fields
//
//   - Corpus: Required corpus identifier.
//   - Subcorpus: Optional subcorpus identifier.
//   - Ops: Ordered query/operation tokens. The first token is normally the
//     computation kind ("freq", "coll", ...).
//   - Params: Named parameters. Values are JSON-compatible scalars, lists or
//     maps.
type ComputationRequest struct {
	Corpus    string         `json:"corpus" validate:"required,max=255,nocontrol"`
	Subcorpus string         `json:"subcorpus,omitempty" validate:"max=255,nocontrol"`
	Ops       []string       `json:"ops" validate:"max=64,dive,required"`
	Params    map[string]any `json:"params,omitempty"`
}

// Validate checks structural constraints of the request.
func (r ComputationRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid computation request: %w", err)
	}
	return nil
}

// Kind returns the leading operation token, or "" for an empty op list.
func (r ComputationRequest) Kind() string {
	if len(r.Ops) == 0 {
		return ""
	}
	return r.Ops[0]
}

// WithParam returns a copy of r with one parameter set. The receiver is
// never modified.
func (r ComputationRequest) WithParam(name string, value any) ComputationRequest {
	params := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		params[k] = v
	}
	params[name] = value
	r.Params = params
	r.Ops = append([]string(nil), r.Ops...)
	return r
}

// =============================================================================
// Corpus Identity
// =============================================================================

// CorpusIdentity is the part of a cache key that changes when the underlying
// corpus data changes (re-indexing) or when results are private to a user.
//
// # Fields
//
//   - CorpusID: Corpus identifier.
//   - Size: Corpus size in positions.
//   - Modified: Last modification time of the corpus data, unix seconds.
//   - UserID: Set only when results are user-scoped (e.g. user subcorpora).
type CorpusIdentity struct {
	CorpusID string `json:"corpus_id" yaml:"corpus_id"`
	Size     int64  `json:"size" yaml:"size"`
	Modified int64  `json:"modified" yaml:"modified"`
	UserID   string `json:"user_id,omitempty" yaml:"-"`
}

// ForUser returns a copy of the identity scoped to the given user.
func (c CorpusIdentity) ForUser(userID string) CorpusIdentity {
	c.UserID = userID
	return c
}
