// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks client-supplied identifiers before they are
// used as file names or storage keys.
//
// Corpus ids become directory names under the corpus root and session ids
// become key prefixes of the session store, so both are restricted to a
// conservative character set that cannot escape a directory or collide with
// a key separator.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// corpusIDPattern matches corpus identifiers such as "syn2020" or
// "intercorp_v13_en". Dots are allowed inside, never leading.
var corpusIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// sessionIDPattern matches session ids: URL-safe, 8 to 128 characters.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// ValidateCorpusID validates a corpus identifier.
//
// Valid ids:
//   - 1-128 characters
//   - Letters, digits, underscore, dot and hyphen
//   - Starting with a letter or digit
//
// Example:
//
//	if err := validation.ValidateCorpusID(id); err != nil {
//	    return fmt.Errorf("%w: %v", ErrUnknownCorpus, err)
//	}
//	// Safe to join with the corpus root
func ValidateCorpusID(id string) error {
	if id == "" {
		return fmt.Errorf("corpus id cannot be empty")
	}
	if !corpusIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid corpus id %q", id)
	}
	return nil
}

// ValidateSessionID validates a session identifier.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id (must be 8-128 URL-safe characters)")
	}
	return nil
}
