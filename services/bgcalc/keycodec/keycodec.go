// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keycodec turns computation requests into stable cache keys.
//
// # Description
//
// Canonicalize renders a request into a string that does not depend on map
// iteration or insertion order. DeriveKey hashes that string together with
// the corpus identity into a fixed-length, filesystem-safe key.
//
// All strings are normalized to Unicode NFC and hashed as UTF-8, so the same
// identifier typed on different platforms maps to the same key.
package keycodec

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// KeyLength is the length of a CacheKey in hex characters.
const KeyLength = sha1.Size * 2

// CacheKey identifies one computation result.
type CacheKey string

func (k CacheKey) String() string {
	return string(k)
}

// Valid reports whether k looks like a key produced by DeriveKey.
func (k CacheKey) Valid() bool {
	if len(k) != KeyLength {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Shard returns the directory bucket of the key.
func (k CacheKey) Shard() string {
	if len(k) < 2 {
		return "00"
	}
	return string(k[:2])
}

// ParseKey validates an externally supplied key.
func ParseKey(s string) (CacheKey, error) {
	k := CacheKey(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("invalid cache key %q", s)
	}
	return k, nil
}

// =============================================================================
// Canonical Form
// =============================================================================

// Canonicalize renders req into its canonical string.
//
// # Description
//
// Every field is emitted, including empty ones, in a fixed order. Tokens and
// parameter values are JSON-quoted so separators inside values cannot make
// two different requests collide. Map keys are sorted at every nesting
// level.
//
// # Examples
//
//	Canonicalize(ComputationRequest{Corpus: "brown", Ops: []string{"freq"},
//	    Params: map[string]any{"limit": 5, "attr": "lemma"}})
//	// corpus="brown";subcorpus="";ops=["freq"];params={"attr":"lemma","limit":5}
func Canonicalize(req datatypes.ComputationRequest) string {
	var b strings.Builder
	b.WriteString("corpus=")
	writeString(&b, req.Corpus)
	b.WriteString(";subcorpus=")
	writeString(&b, req.Subcorpus)
	b.WriteString(";ops=[")
	for i, op := range req.Ops {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, op)
	}
	b.WriteString("];params=")
	if req.Params == nil {
		b.WriteString("{}")
	} else {
		writeValue(&b, reflect.ValueOf(req.Params))
	}
	return b.String()
}

func writeString(b *strings.Builder, s string) {
	b.WriteString(strconv.Quote(norm.NFC.String(s)))
}

func writeValue(b *strings.Builder, v reflect.Value) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Invalid:
		b.WriteString("null")
	case reflect.String:
		writeString(b, v.String())
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		byKey := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := norm.NFC.String(fmt.Sprint(iter.Key().Interface()))
			keys = append(keys, k)
			byKey[k] = iter.Value()
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeValue(b, byKey[k])
		}
		b.WriteByte('}')
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("[]")
			return
		}
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, v.Index(i))
		}
		b.WriteByte(']')
	default:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			// unencodable values still contribute their Go rendering
			writeString(b, fmt.Sprintf("%#v", v.Interface()))
			return
		}
		b.Write(data)
	}
}

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey hashes the canonical request string together with the corpus
// identity.
func DeriveKey(canonical string, id datatypes.CorpusIdentity) CacheKey {
	h := sha1.New()
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(id.CorpusID)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(id.Size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(id.Modified, 10)))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(id.UserID)))
	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// KeyFor is Canonicalize followed by DeriveKey.
func KeyFor(req datatypes.ComputationRequest, id datatypes.CorpusIdentity) CacheKey {
	return DeriveKey(Canonicalize(req), id)
}

// PartKey derives the key of one named part of a multi-part result.
func PartKey(base CacheKey, part string) CacheKey {
	sum := sha1.Sum([]byte(string(base) + "\x00part=" + norm.NFC.String(part)))
	return CacheKey(hex.EncodeToString(sum[:]))
}
