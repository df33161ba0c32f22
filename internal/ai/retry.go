// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import "time"

// RetryPolicy bounds retries per failure kind. A retry is a fresh call;
// nothing from a previous attempt is reused.
type RetryPolicy struct {
	// Retries is the number of extra attempts allowed after a failure of
	// the given kind. Kinds not listed are never retried.
	Retries map[Kind]int
	// Backoff is the pause before each retry.
	Backoff time.Duration
}

// DefaultRetryPolicy retries transient failures once and never retries a
// malformed response.
func DefaultRetryPolicy(backoff time.Duration) RetryPolicy {
	return RetryPolicy{
		Retries: map[Kind]int{
			KindUnavailable: 1,
			KindTimeout:     1,
		},
		Backoff: backoff,
	}
}

// MaxAttempts is the largest number of calls the policy can make.
func (p RetryPolicy) MaxAttempts() int {
	max := 0
	for _, n := range p.Retries {
		if n > max {
			max = n
		}
	}
	return max + 1
}

// allows reports whether another attempt is permitted after the given
// number of failures of kind k.
func (p RetryPolicy) allows(k Kind, failures int) bool {
	return failures <= p.Retries[k] && failures < p.MaxAttempts()
}
