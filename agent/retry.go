// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"time"
)

// defaultMaxRetries bounds how many attempts a failing action gets
// before its result stands. Overridable per action with a
// pcmk_<verb>_retries parameter.
const defaultMaxRetries = 2

// retryBudgetFraction is how much of the declared timeout may already
// be spent before a retry is refused. Past this point a fresh attempt
// could not finish inside the original budget anyway.
const retryBudgetFraction = 0.7

// retryDelay is the pause between a failed attempt and its retry,
// giving a busy device a moment to recover.
const retryDelay = time.Second

// shouldRetry decides whether a failed attempt runs again and with
// how much of the time budget. The rule is asymmetric: a failure that
// was itself a timeout is never retried (two full timeout periods
// must not compound), and a retry is only granted while less than
// retryBudgetFraction of the declared timeout has elapsed since the
// first attempt began. The remaining budget is what is left of the
// declared timeout.
func shouldRetry(tries, maxRetries int, lastErr error, elapsed, timeout time.Duration) (bool, time.Duration) {
	if tries >= maxRetries {
		return false, 0
	}
	if errors.Is(lastErr, ErrTimeout) {
		return false, 0
	}
	if float64(elapsed) < retryBudgetFraction*float64(timeout) {
		return true, timeout - elapsed
	}
	return false, 0
}
