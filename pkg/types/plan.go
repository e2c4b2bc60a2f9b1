package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash computes the content hash of the plan snapshot. The snapshot is
// serialized with encoding/json, which sorts map keys, so the hash is
// stable for equal plans.
func (p *PlanSnapshot) Hash() string {
	data, err := json.Marshal(p)
	if err != nil {
		// A plan that made it past validation always marshals; a hash of
		// the error keeps the failure observable instead of silent.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the structural invariants a plan must satisfy before it
// can be submitted.
func (p *PlanSnapshot) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	switch p.SLAClass {
	case SLAFast, SLAMedium, SLALong:
	default:
		return fmt.Errorf("unknown sla class: %q", p.SLAClass)
	}
	for i, step := range p.Steps {
		if step.AssetID == "" {
			return fmt.Errorf("step %d: missing asset id", i)
		}
		switch step.ActionClass {
		case ActionRead, ActionModify, ActionDeploy:
		default:
			return fmt.Errorf("step %d: unknown action class: %q", i, step.ActionClass)
		}
		switch step.Adapter {
		case AdapterAsset, AdapterAutomation:
		default:
			return fmt.Errorf("step %d: unknown adapter: %q", i, step.Adapter)
		}
	}
	return validateParallelGroups(p.Steps)
}

// validateParallelGroups enforces that parallel groups are contiguous and
// never target the same asset twice; the mutex discipline depends on it.
func validateParallelGroups(steps []*PlanStep) error {
	seen := map[int]bool{}
	for i := 0; i < len(steps); {
		group := steps[i].ParallelGroup
		if group == 0 {
			i++
			continue
		}
		if seen[group] {
			return fmt.Errorf("parallel group %d is not contiguous", group)
		}
		seen[group] = true
		assets := map[string]bool{}
		j := i
		for j < len(steps) && steps[j].ParallelGroup == group {
			if assets[steps[j].AssetID] {
				return fmt.Errorf("parallel group %d targets asset %s twice", group, steps[j].AssetID)
			}
			assets[steps[j].AssetID] = true
			j++
		}
		i = j
	}
	return nil
}

// DominantAction returns the highest-impact action class among the plan's
// steps. Deploy outranks modify outranks read. Timeout and retry budgets
// for the whole execution key off this class.
func (p *PlanSnapshot) DominantAction() ActionClass {
	rank := map[ActionClass]int{ActionRead: 0, ActionModify: 1, ActionDeploy: 2}
	dominant := ActionRead
	for _, s := range p.Steps {
		if rank[s.ActionClass] > rank[dominant] {
			dominant = s.ActionClass
		}
	}
	return dominant
}
