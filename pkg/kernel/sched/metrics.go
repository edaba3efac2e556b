// Copyright 2024 The gVisor Authors.
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

package sched

import (
	"prisync.dev/prisync/pkg/metric"
)

// Preemption reasons.
const (
	preemptYield     = "yield"
	preemptPriority  = "priority"
	preemptInterrupt = "interrupt"
)

// timerInterrupt is the name of the timer interrupt.
const timerInterrupt = "timer"

func interruptSource(name string) string {
	if name == timerInterrupt {
		return timerInterrupt
	}
	return "external"
}

type schedMetrics struct {
	contextSwitches *metric.Uint64Metric
	preemptions     *metric.Uint64Metric
	blocks          *metric.Uint64Metric
	interrupts      *metric.Uint64Metric
	idle            *metric.Uint64Metric
	threadsCreated  *metric.Uint64Metric
	donations       *metric.Uint64Metric
	reversions      *metric.Uint64Metric
	chainDepth      *metric.DistributionMetric
}

func newSchedMetrics(r *metric.Registry) *schedMetrics {
	return &schedMetrics{
		contextSwitches: r.MustCreateNewUint64Metric("/sched/context_switches", "Number of times the CPU was handed to a different thread."),
		preemptions: r.MustCreateNewUint64Metric("/sched/preemptions", "Number of times the running thread gave up the CPU while still runnable.",
			metric.NewField("reason", preemptYield, preemptPriority, preemptInterrupt)),
		blocks: r.MustCreateNewUint64Metric("/sched/blocks", "Number of times a thread blocked.",
			metric.NewField("primitive", "semaphore", "lock", "condvar")),
		interrupts: r.MustCreateNewUint64Metric("/sched/interrupts", "Number of interrupts delivered.",
			metric.NewField("source", timerInterrupt, "external")),
		idle:           r.MustCreateNewUint64Metric("/sched/idle", "Number of times the CPU went idle."),
		threadsCreated: r.MustCreateNewUint64Metric("/sched/threads_created", "Number of threads created."),
		donations:      r.MustCreateNewUint64Metric("/donation/donations", "Number of waits that raised the effective priority of a lock holder."),
		reversions:     r.MustCreateNewUint64Metric("/donation/reversions", "Number of donation records removed by lock releases."),
		chainDepth: r.MustCreateNewDistributionMetric("/donation/chain_depth", metric.NewExponentialBucketer(6, 1, 1, 2),
			"Number of threads a single wait donated to."),
	}
}
