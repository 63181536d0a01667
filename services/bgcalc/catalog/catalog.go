// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog is the static table of computation kinds.
//
// # Description
//
// Each kind accepted on the HTTP surface maps to exactly one TaskSpec: the
// worker task that computes it, its task list category, its time limit and
// how the runner treats it. The table is built once at startup; there is no
// lookup of task functions by naming convention.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// Kinds known to the default catalog.
const (
	KindFreq        = "freq"
	KindColl        = "coll"
	KindKeywords    = "keywords"
	KindWordlist    = "wordlist"
	KindPQuery      = "pquery"
	KindSubcorpus   = "subcorpus"
	KindFreqPrecalc = "freq_precalc"
	KindConcSize    = "conc_size"
)

// Parts of the frequency precalculation job.
const (
	PartFrq  = "frq"
	PartArf  = "arf"
	PartDocf = "docf"
)

// DefaultTimeLimit applies to specs that leave TimeLimit zero.
const DefaultTimeLimit = 30 * time.Minute

// Prerequisite names a job whose artifacts must exist before a kind can
// run.
//
// # Fields
//
//   - Kind: Kind of the prerequisite job.
//   - CorpusParam: Request parameter naming the corpus the prerequisite is
//     computed for. Empty means the request's own corpus.
//   - Params: Request parameters copied into the prerequisite request.
type Prerequisite struct {
	Kind        string
	CorpusParam string
	Params      []string
}

// TaskSpec describes one computation kind.
//
// # Fields
//
//   - Kind: Name used on the HTTP surface.
//   - TaskName: Worker handler name. For multi-part kinds each part runs
//     as TaskName + ":" + part.
//   - Category: Task list category of the AsyncTask.
//   - Label: Human readable label prefix.
//   - TimeLimit: Backend time limit.
//   - Small: Computed inline without the queue.
//   - UserScoped: Results depend on the user; the user id enters the key.
//   - Parts: Independent artifacts of a multi-part job.
//   - Prerequisite: Job that must be cached first.
type TaskSpec struct {
	Kind         string
	TaskName     string
	Category     datatypes.Category
	Label        string
	TimeLimit    time.Duration
	Small        bool
	UserScoped   bool
	Parts        []string
	Prerequisite *Prerequisite
}

// IsMultiPart reports whether the kind produces several artifacts.
func (s TaskSpec) IsMultiPart() bool {
	return len(s.Parts) > 0
}

// PartTaskName returns the worker task name of part.
func (s TaskSpec) PartTaskName(part string) string {
	return s.TaskName + ":" + part
}

// TaskNames returns every worker task name the spec needs.
func (s TaskSpec) TaskNames() []string {
	if !s.IsMultiPart() {
		return []string{s.TaskName}
	}
	names := make([]string, len(s.Parts))
	for i, p := range s.Parts {
		names[i] = s.PartTaskName(p)
	}
	return names
}

// Limit returns TimeLimit or the default.
func (s TaskSpec) Limit() time.Duration {
	if s.TimeLimit > 0 {
		return s.TimeLimit
	}
	return DefaultTimeLimit
}

// Catalog maps kinds to specs. It is read-only after construction.
type Catalog struct {
	specs map[string]TaskSpec
}

// New builds a catalog. Duplicate kinds or specs without a task name are
// rejected.
func New(specs ...TaskSpec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]TaskSpec, len(specs))}
	for _, s := range specs {
		if s.Kind == "" || s.TaskName == "" {
			return nil, fmt.Errorf("catalog entry %+v lacks kind or task name", s)
		}
		if _, dup := c.specs[s.Kind]; dup {
			return nil, fmt.Errorf("catalog kind %q defined twice", s.Kind)
		}
		c.specs[s.Kind] = s
	}
	for _, s := range c.specs {
		if s.Prerequisite == nil {
			continue
		}
		if _, ok := c.specs[s.Prerequisite.Kind]; !ok {
			return nil, fmt.Errorf("kind %q depends on unknown kind %q", s.Kind, s.Prerequisite.Kind)
		}
	}
	return c, nil
}

// Lookup returns the spec of kind.
func (c *Catalog) Lookup(kind string) (TaskSpec, bool) {
	s, ok := c.specs[kind]
	return s, ok
}

// Kinds returns the known kinds in sorted order.
func (c *Catalog) Kinds() []string {
	kinds := make([]string, 0, len(c.specs))
	for k := range c.specs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// TaskNames returns every worker task name of the catalog, sorted.
func (c *Catalog) TaskNames() []string {
	var names []string
	for _, s := range c.specs {
		names = append(names, s.TaskNames()...)
	}
	sort.Strings(names)
	return names
}

// Default returns the catalog of the corpus application.
func Default() *Catalog {
	c, err := New(
		TaskSpec{
			Kind: KindFreq, TaskName: "calculate_freqs", Category: datatypes.CategoryFreq,
			Label: "Frequency distribution", TimeLimit: 15 * time.Minute,
		},
		TaskSpec{
			Kind: KindConcSize, TaskName: "get_conc_size", Category: datatypes.CategoryConc,
			Label: "Concordance size", TimeLimit: time.Minute, Small: true,
		},
		TaskSpec{
			Kind: KindColl, TaskName: "calculate_colls", Category: datatypes.CategoryColl,
			Label: "Collocations", TimeLimit: 15 * time.Minute,
		},
		TaskSpec{
			Kind: KindWordlist, TaskName: "get_wordlist", Category: datatypes.CategoryWordlist,
			Label: "Word list", TimeLimit: 20 * time.Minute,
		},
		TaskSpec{
			Kind: KindPQuery, TaskName: "calc_merged_freqs", Category: datatypes.CategoryPQuery,
			Label: "Paradigmatic query", TimeLimit: 30 * time.Minute,
		},
		TaskSpec{
			Kind: KindSubcorpus, TaskName: "create_subcorpus", Category: datatypes.CategorySubcorpus,
			Label: "Subcorpus", TimeLimit: time.Hour, UserScoped: true,
		},
		TaskSpec{
			Kind: KindFreqPrecalc, TaskName: "compile_freqs", Category: datatypes.CategoryFreqPrecalc,
			Label: "Frequency precalculation", TimeLimit: time.Hour,
			Parts: []string{PartFrq, PartArf, PartDocf},
		},
		TaskSpec{
			Kind: KindKeywords, TaskName: "calculate_keywords", Category: datatypes.CategoryKeywords,
			Label: "Keywords", TimeLimit: 15 * time.Minute,
			Prerequisite: &Prerequisite{Kind: KindFreqPrecalc, CorpusParam: "ref_corpus", Params: []string{"attr"}},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
