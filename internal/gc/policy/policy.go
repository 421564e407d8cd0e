// Package policy adapts the teacher's internal/tiering package's
// Policy/Condition/Controller shapes away from hot/warm/cold blob
// placement (a concern this store doesn't have) into a scheduling
// wrapper deciding *when* garbage_collect (C8) runs, per §12.2. The
// deletion rule itself — remove only refcount==0 entries — is untouched
// and lives entirely in internal/gc.
package policy

import (
	"fmt"
	"time"
)

// Condition names the thresholds that make a Policy fire. A zero value
// for either field disables that trigger.
type Condition struct {
	// MinOrphans fires the policy once chunk_ref_count holds at least
	// this many refcount==0 entries.
	MinOrphans int
	// SinceLastRun fires the policy once this much time has elapsed
	// since garbage_collect last ran, regardless of orphan count. It is a
	// trigger, not a cooldown: it never holds back a run that MinOrphans
	// fires, and it is only checked on the scheduler's own tick interval.
	SinceLastRun time.Duration
}

// Policy is one named, independently enable-able scheduling rule.
type Policy struct {
	Name      string
	Enabled   bool
	Condition Condition
}

// Stats is the current observable state Evaluate judges a Policy
// against.
type Stats struct {
	OrphanCount  int
	SinceLastRun time.Duration
}

// Decision records whether a Policy fired and why, for logging and for
// Controller.RunOnce's result.
type Decision struct {
	Policy    Policy
	ShouldRun bool
	Reason    string
}

// Evaluate judges a single policy against the current stats. The first
// condition that matches determines the reason; MinOrphans is checked
// before SinceLastRun.
func Evaluate(p Policy, stats Stats) Decision {
	if !p.Enabled {
		return Decision{Policy: p, ShouldRun: false, Reason: "policy disabled"}
	}
	if p.Condition.MinOrphans > 0 && stats.OrphanCount >= p.Condition.MinOrphans {
		return Decision{
			Policy:    p,
			ShouldRun: true,
			Reason:    fmt.Sprintf("orphan count %d >= watermark %d", stats.OrphanCount, p.Condition.MinOrphans),
		}
	}
	if p.Condition.SinceLastRun > 0 && stats.SinceLastRun >= p.Condition.SinceLastRun {
		return Decision{
			Policy:    p,
			ShouldRun: true,
			Reason:    fmt.Sprintf("time since last run %s >= threshold %s", stats.SinceLastRun, p.Condition.SinceLastRun),
		}
	}
	return Decision{Policy: p, ShouldRun: false, Reason: "no condition met"}
}

// DefaultPolicy returns the single policy the engine installs by
// default, driven by gc.grace_period (the elapsed-time trigger) and
// gc.min_orphans (the watermark) from config.
func DefaultPolicy(gracePeriod time.Duration, minOrphans int) Policy {
	return Policy{
		Name:    "default",
		Enabled: true,
		Condition: Condition{
			MinOrphans:   minOrphans,
			SinceLastRun: gracePeriod,
		},
	}
}
