// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/catalog"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
)

// partState is the observed state of one part of a multi-part job.
type partState struct {
	outcome Outcome
	err     error
}

// MeanProgress returns the floored arithmetic mean of percentages. A part
// without a value counts as 0.
func MeanProgress(percentages []int) int {
	if len(percentages) == 0 {
		return 0
	}
	sum := 0
	for _, p := range percentages {
		sum += min(max(p, 0), 100)
	}
	return sum / len(percentages)
}

// runMulti runs every part of a multi-part job and merges the outcomes.
//
// # Description
//
// Parts are resolved concurrently. Submission failures abort the whole
// call. A part whose build failed is reported in FailedParts and turns the
// outcome into PartialFailure; its percentage counts as 0 while the other
// parts keep their own. The job is a Result only when every part is
// cached; the result is a JSON object keyed by part name.
func (r *Runner) runMulti(ctx context.Context, reg TaskList, spec catalog.TaskSpec, job Job, base keycodec.CacheKey) (Outcome, error) {
	states := make([]partState, len(spec.Parts))

	g, gCtx := errgroup.WithContext(ctx)
	for i, part := range spec.Parts {
		i, part := i, part
		g.Go(func() error {
			key := keycodec.PartKey(base, part)
			out, err := r.runSingle(gCtx, reg, spec, job, spec.PartTaskName(part), key, part)
			var be *datatypes.BackendError
			if errors.As(err, &be) {
				return err
			}
			states[i] = partState{outcome: out, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	return mergeParts(base, spec.Parts, states)
}

func mergeParts(base keycodec.CacheKey, parts []string, states []partState) (Outcome, error) {
	out := Outcome{Key: base, Parts: make(map[string]int, len(parts))}
	percentages := make([]int, len(parts))
	results := make(map[string]json.RawMessage, len(parts))
	var failures []string

	for i, part := range parts {
		st := states[i]
		switch {
		case st.err != nil:
			out.FailedParts = append(out.FailedParts, part)
			failures = append(failures, fmt.Sprintf("%s: %s", part, PublicMessage(st.err)))
			percentages[i] = 0
		case st.outcome.Kind == OutcomeResult:
			percentages[i] = 100
			results[part] = st.outcome.Result
		default:
			percentages[i] = st.outcome.Progress
		}
		out.Parts[part] = percentages[i]
	}
	out.Progress = MeanProgress(percentages)

	switch {
	case len(out.FailedParts) > 0:
		out.Kind = OutcomePartialFailure
		sort.Strings(failures)
		out.Error = strings.Join(failures, "; ")
	case len(results) == len(parts):
		payload, err := json.Marshal(results)
		if err != nil {
			return Outcome{}, fmt.Errorf("merge part results: %w", err)
		}
		out.Kind = OutcomeResult
		out.Result = payload
		out.Progress = 100
	default:
		out.Kind = OutcomePending
	}
	return out, nil
}

// =============================================================================
// Prerequisites
// =============================================================================

// prerequisiteJob derives the job that builds the prerequisite of spec.
func prerequisiteJob(spec catalog.TaskSpec, job Job) Job {
	pre := spec.Prerequisite
	corpusID := job.Request.Corpus
	if pre.CorpusParam != "" {
		if v, ok := job.Request.Params[pre.CorpusParam].(string); ok && v != "" {
			corpusID = v
		}
	}
	req := datatypes.ComputationRequest{Corpus: corpusID, Ops: []string{pre.Kind}}
	for _, name := range pre.Params {
		if v, ok := job.Request.Params[name]; ok {
			req = req.WithParam(name, v)
		}
	}
	return Job{Kind: pre.Kind, Request: req, UserID: job.UserID, URLArgs: job.URLArgs}
}

// ensurePrerequisite reports whether the prerequisite of spec is cached.
// When it is not, the prerequisite build is started (or joined) and its
// progress returned as a Pending outcome naming the dependency. A ready
// prerequisite is only stat'ed, the returned outcome carries no Result.
func (r *Runner) ensurePrerequisite(ctx context.Context, reg TaskList, spec catalog.TaskSpec, job Job) (Outcome, bool, error) {
	preJob := prerequisiteJob(spec, job)
	preSpec, _ := r.deps.Catalog.Lookup(preJob.Kind)

	key, err := r.keyFor(ctx, preSpec, preJob)
	if err != nil {
		return Outcome{}, false, err
	}
	if r.artifactsCached(preSpec, key) {
		return Outcome{Kind: OutcomeResult, Key: key, Progress: 100}, true, nil
	}

	var out Outcome
	if preSpec.IsMultiPart() {
		out, err = r.runMulti(ctx, reg, preSpec, preJob, key)
	} else {
		out, err = r.runSingle(ctx, reg, preSpec, preJob, preSpec.TaskName, key, "")
	}
	if err != nil {
		return Outcome{}, false, err
	}
	if out.Kind == OutcomeResult {
		return out, true, nil
	}

	slog.Info("Prerequisite not ready",
		"kind", spec.Kind, "dependency", preJob.Kind, "progress", out.Progress, "state", out.Kind)
	out.Dependency = preJob.Kind
	out.Result = nil
	return out, false, nil
}

// artifactsCached reports whether every artifact of spec under key exists.
func (r *Runner) artifactsCached(spec catalog.TaskSpec, key keycodec.CacheKey) bool {
	if !spec.IsMultiPart() {
		return r.deps.Cache.Has(key)
	}
	for _, part := range spec.Parts {
		if !r.deps.Cache.Has(keycodec.PartKey(key, part)) {
			return false
		}
	}
	return true
}
