// Copyright 2023 The gVisor Authors.
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

package mm

import (
	"github.com/guanwei-wu/Operating-Systems/pkg/metric"
)

// Fault outcomes.
const (
	faultSwapIn    = "swapin"
	faultAnonymous = "anonymous"
	faultResolved  = "resolved"
	faultViolation = "violation"
	faultError     = "error"
)

var (
	faultCount = metric.MustCreateNewUint64Metric("/mm/faults", "Number of page faults handled, by outcome.",
		metric.NewField("outcome", faultSwapIn, faultAnonymous, faultResolved, faultViolation, faultError))
	evictCount    = metric.MustCreateNewUint64Metric("/mm/evictions", "Number of pages written to swap by advice.")
	prefetchCount = metric.MustCreateNewUint64Metric("/mm/prefetches", "Number of pages made resident by advice.")
	discardCount  = metric.MustCreateNewUint64Metric("/mm/swap_discards", "Number of swap blocks given back by unmapping.")
)
