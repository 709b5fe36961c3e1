// Package targets resolves a cron definition's {targets, target_type}
// pair into a concrete list of machine ids to dispatch to.
package targets

import (
	"fmt"
	"sort"

	"github.com/syscollective/saltpeter/internal/config"
)

// Resolver turns a cron definition's target spec into machine ids.
type Resolver interface {
	Resolve(def config.CronDef) ([]string, error)
}

// ListResolver treats def.Targets as the authoritative machine id list:
// with target_type="list" the targets slice literally is the machine
// set. "glob" and "grain" are accepted as pass-through aliases for list
// resolution since no external target-resolution backend is wired up
// here (see DESIGN.md).
type ListResolver struct{}

// Resolve implements Resolver.
func (ListResolver) Resolve(def config.CronDef) ([]string, error) {
	switch def.TargetType {
	case "", "list", "glob", "grain":
		out := make([]string, len(def.Targets))
		copy(out, def.Targets)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported target_type %q", def.TargetType)
	}
}

// SelectSubset picks a deterministic lexicographic-prefix subset of the
// resolved machine list for number_of_targets > 0. n <= 0 or
// n >= len(machines) returns the full (sorted) list unchanged.
func SelectSubset(machines []string, n int) []string {
	sorted := make([]string, len(machines))
	copy(sorted, machines)
	sort.Strings(sorted)

	if n <= 0 || n >= len(sorted) {
		return sorted
	}
	return sorted[:n]
}

// Resolve is a package-level convenience combining a ListResolver with
// SelectSubset, the shape the scheduler actually calls.
func Resolve(r Resolver, def config.CronDef) ([]string, error) {
	machines, err := r.Resolve(def)
	if err != nil {
		return nil, err
	}
	return SelectSubset(machines, def.NumberOfTargets), nil
}
