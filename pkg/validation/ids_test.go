// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateCorpusID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"simple", "syn2020", false},
		{"underscores", "intercorp_v13_en", false},
		{"dot inside", "bnc.xml", false},
		{"hyphen inside", "czeng-10", false},
		{"uppercase", "BNC", false},
		{"max length", strings.Repeat("a", 128), false},

		// Invalid ids - path escapes and garbage
		{"empty", "", true},
		{"dot", ".", true},
		{"parent", "..", true},
		{"parent inside", "a..b", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"nul", "a\x00b", true},
		{"space", "syn 2020", true},
		{"leading hyphen", "-syn", true},
		{"leading dot", ".hidden", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCorpusID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCorpusID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid without dashes", "0f8fad5bd9cb469fa16570867728950e", false},
		{"with dash and underscore", "session_0001-a", false},
		{"too short", "abc", true},
		{"empty", "", true},
		{"cookie injection", "abcdefgh; Path=/", true},
		{"separator", "abcdefgh:tasks", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
