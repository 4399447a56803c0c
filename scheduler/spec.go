package scheduler

import (
	"sort"
	"time"

	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/types"
)

// ValidatorSpec describes one validator's placement in the schedule.
type ValidatorSpec struct {
	// Name uniquely identifies the validator within a plan.
	Name string `json:"name"`
	// Tier ordinal. Must be >= the tier of every dependency.
	Tier int `json:"tier"`
	// DependsOn names validators that must report success before this one
	// starts, possibly in an earlier tier.
	DependsOn []string `json:"depends_on,omitempty"`
	// Enabled validators participate in scheduling; disabled ones are
	// dropped at plan construction.
	Enabled bool `json:"enabled"`
	// Timeout bounds this validator's call. Zero falls back to the tier
	// timeout, then the plan default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// AgentID is the downstream agent resolved through the gate.
	AgentID string `json:"agent_id"`
	// Method invoked on the agent.
	Method string `json:"method"`
}

// TierOptions sets tier-level scheduling behavior.
type TierOptions struct {
	// Sequential runs the tier's validators one at a time, dependencies
	// first, declaration order breaking ties.
	Sequential bool `json:"sequential"`
	// Timeout is the default per-validator timeout within the tier.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Plan is a validated validator graph ready for execution. Construct one
// with NewPlan or PlanFromProfile; a Plan is immutable once built.
type Plan struct {
	specs          []ValidatorSpec
	tiers          map[int]TierOptions
	ordinals       []int
	byTier         map[int][]ValidatorSpec
	defaultTimeout time.Duration
}

// NewPlan builds a plan from raw specs, dropping disabled validators and
// validating the dependency graph.
func NewPlan(specs []ValidatorSpec, tiers map[int]TierOptions, defaultTimeout time.Duration) (*Plan, error) {
	enabled := make([]ValidatorSpec, 0, len(specs))
	for _, s := range specs {
		if s.Enabled {
			if s.Method == "" {
				s.Method = "validate"
			}
			enabled = append(enabled, s)
		}
	}

	p := &Plan{
		specs:          enabled,
		tiers:          tiers,
		defaultTimeout: defaultTimeout,
	}
	if p.tiers == nil {
		p.tiers = map[int]TierOptions{}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	for _, s := range enabled {
		if !seen[s.Tier] {
			seen[s.Tier] = true
			p.ordinals = append(p.ordinals, s.Tier)
		}
	}
	sort.Ints(p.ordinals)

	p.byTier = make(map[int][]ValidatorSpec, len(p.ordinals))
	for _, s := range enabled {
		p.byTier[s.Tier] = append(p.byTier[s.Tier], s)
	}
	for tier, group := range p.byTier {
		p.byTier[tier] = orderTier(group)
	}

	return p, nil
}

// orderTier sorts one tier's specs so every in-tier dependency precedes
// its dependents, breaking ties by declaration order. Validation already
// ruled out cycles, so the sort always consumes every spec.
func orderTier(specs []ValidatorSpec) []ValidatorSpec {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.Name] = i
	}
	indegree := make([]int, len(specs))
	dependents := make(map[int][]int)
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			if j, ok := index[dep]; ok {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	ready := make([]int, 0, len(specs))
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]ValidatorSpec, 0, len(specs))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, specs[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	return out
}

// PlanFromProfile builds a plan from a configuration profile.
func PlanFromProfile(profile config.Profile, defaultTimeout time.Duration) (*Plan, error) {
	specs := make([]ValidatorSpec, 0, len(profile.Validators))
	for _, v := range profile.Validators {
		specs = append(specs, ValidatorSpec{
			Name:      v.Name,
			Tier:      v.Tier,
			DependsOn: v.DependsOn,
			Enabled:   v.IsEnabled(),
			Timeout:   v.Timeout,
			AgentID:   v.Agent,
			Method:    v.Method,
		})
	}
	tiers := make(map[int]TierOptions, len(profile.Tiers))
	for _, tier := range profile.Tiers {
		tiers[tier.Tier] = TierOptions{
			Sequential: tier.Sequential,
			Timeout:    tier.Timeout,
		}
	}
	return NewPlan(specs, tiers, defaultTimeout)
}

// validate rejects duplicate names, unknown or later-tier dependencies, and
// cycles. Cycle detection is a Kahn topological sort over the full graph.
func (p *Plan) validate() error {
	byName := make(map[string]ValidatorSpec, len(p.specs))
	for _, s := range p.specs {
		if s.Name == "" {
			return types.NewError(types.ErrGraphInvalid, "validator without a name")
		}
		if _, dup := byName[s.Name]; dup {
			return types.NewErrorf(types.ErrGraphInvalid, "duplicate validator %q", s.Name)
		}
		byName[s.Name] = s
	}

	indegree := make(map[string]int, len(p.specs))
	dependents := make(map[string][]string)
	for _, s := range p.specs {
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			depSpec, ok := byName[dep]
			if !ok {
				return types.NewErrorf(types.ErrGraphInvalid, "validator %q depends on unknown validator %q", s.Name, dep)
			}
			if depSpec.Tier > s.Tier {
				return types.NewErrorf(types.ErrGraphInvalid, "validator %q (tier %d) depends on %q in later tier %d", s.Name, s.Tier, dep, depSpec.Tier)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	queue := make([]string, 0, len(indegree))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved != len(p.specs) {
		return types.NewError(types.ErrGraphInvalid, "validator dependency graph contains a cycle")
	}

	return nil
}

// TierOrdinals returns the distinct tier ordinals in ascending order.
func (p *Plan) TierOrdinals() []int {
	out := make([]int, len(p.ordinals))
	copy(out, p.ordinals)
	return out
}

// TotalSteps is the number of tiers; each completed tier advances the
// workflow by one step.
func (p *Plan) TotalSteps() int {
	return len(p.ordinals)
}

// tierSpecs returns the specs of one tier with in-tier dependencies
// first, declaration order breaking ties.
func (p *Plan) tierSpecs(ordinal int) []ValidatorSpec {
	return p.byTier[ordinal]
}

// timeoutFor resolves the effective timeout for one validator.
func (p *Plan) timeoutFor(s ValidatorSpec) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if opts, ok := p.tiers[s.Tier]; ok && opts.Timeout > 0 {
		return opts.Timeout
	}
	return p.defaultTimeout
}

// sequential reports whether the tier runs its validators one at a time.
func (p *Plan) sequential(ordinal int) bool {
	opts, ok := p.tiers[ordinal]
	return ok && opts.Sequential
}
