// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// rateLimited bounds the submission rate of the wrapped client. Poll and
// Fetch pass through.
type rateLimited struct {
	Client
	limiter *rate.Limiter
	maxWait time.Duration
}

// RateLimited wraps c so that Submit waits for a token from limiter.
//
// # Description
//
// A submission that cannot get a token within maxWait fails with a
// BackendError instead of queueing the request thread indefinitely. A zero
// maxWait waits as long as ctx allows.
func RateLimited(c Client, limiter *rate.Limiter, maxWait time.Duration) Client {
	return &rateLimited{Client: c, limiter: limiter, maxWait: maxWait}
}

func (r *rateLimited) Submit(ctx context.Context, taskName string, args json.RawMessage, timeLimit time.Duration) (Handle, error) {
	waitCtx := ctx
	if r.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.maxWait)
		defer cancel()
	}
	if err := r.limiter.Wait(waitCtx); err != nil {
		return Handle{}, &datatypes.BackendError{Op: "submit " + taskName + ": rate limit", Err: err}
	}
	return r.Client.Submit(ctx, taskName, args, timeLimit)
}
