package plancompiler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anumate/controlplane/internal/capsule"
	"github.com/anumate/controlplane/internal/crypto"
)

// Registry resolves a named, versioned capsule dependency. It is an
// out-of-scope collaborator (the capsule storage registry lives outside
// this module) — callers inject whatever client talks to it.
type Registry interface {
	Resolve(ctx context.Context, name, version string) (*capsule.Definition, error)
}

// InputValidationError reports a problem with caller-supplied inputs,
// distinct from a structural capsule.ValidationError so HTTP handlers can
// map the two to different status codes.
type InputValidationError struct {
	Issues []string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("input validation failed: %s", strings.Join(e.Issues, "; "))
}

var (
	// ErrDependencyNotFound is returned when a capsule names a dependency
	// the Registry cannot resolve.
	ErrDependencyNotFound = fmt.Errorf("plancompiler: dependency not found")
	// ErrCycleDetected surfaces a cyclic step graph caught at compile time
	// (capsule.Validate should already have caught this, but compilation
	// re-checks before relying on the topology for batching).
	ErrCycleDetected = fmt.Errorf("plancompiler: cycle detected in step graph")
)

var templatePattern = regexp.MustCompile(`\{\{\s*inputs\.([a-zA-Z0-9_]+)\s*\}\}`)

// Compiler compiles capsule definitions into ExecutablePlans.
type Compiler struct {
	registry Registry
}

// NewCompiler builds a Compiler. registry may be nil if the capsule under
// compilation declares no dependencies.
func NewCompiler(registry Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile validates def, resolves dependencies and inputs, batches steps
// for parallel execution, and returns the hashed ExecutablePlan.
func (c *Compiler) Compile(ctx context.Context, def *capsule.Definition, inputs map[string]any) (*ExecutablePlan, error) {
	if err := capsule.Validate(def); err != nil {
		return nil, err
	}

	if err := c.resolveDependencies(ctx, def); err != nil {
		return nil, err
	}

	resolvedInputs, err := resolveInputs(def.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	batches, err := batchSteps(def.Steps)
	if err != nil {
		return nil, err
	}

	compiledSteps := make([]CompiledStep, 0, len(def.Steps))
	for _, s := range def.Steps {
		resolvedParams, err := resolveParameters(s.Parameters, resolvedInputs)
		if err != nil {
			return nil, err
		}
		compiledSteps = append(compiledSteps, CompiledStep{
			ID:               s.ID,
			Name:             s.Name,
			Action:           s.Action,
			Parameters:       resolvedParams,
			Batch:            batches[s.ID],
			Mutating:         inferMutating(s.Action),
			Approval:         s.Approval,
			MaxRetries:       s.MaxRetries,
			TimeoutSeconds:   normalizeTimeout(s.TimeoutSeconds),
			RollbackAction:   s.RollbackAction,
			Resources:        estimateResources(s.Action),
			ExpectedOutcomes: s.ExpectedOutcomes,
		})
	}

	maxParallelism := 1
	for _, b := range batches {
		if b+1 > maxParallelism {
			maxParallelism = b + 1
		}
	}

	plan := &ExecutablePlan{
		CapsuleID:        def.Metadata.ID,
		CapsuleVersion:   def.Metadata.Version,
		ResolvedInputs:   resolvedInputs,
		Steps:            compiledSteps,
		MaxParallelism:   maxParallelism,
		Security:         SecurityContext{ToolAllowlist: def.ToolAllowlist},
		Approval:         def.Approval,
		ExpectedOutcomes: def.ExpectedOutcomes,
		CompiledAt:       time.Now().UTC(),
	}

	hash, err := crypto.Hash(hashPayload{
		CapsuleID:      plan.CapsuleID,
		CapsuleVersion: plan.CapsuleVersion,
		ResolvedInputs: plan.ResolvedInputs,
		Steps:          plan.Steps,
		Security:       plan.Security,
	})
	if err != nil {
		return nil, fmt.Errorf("plancompiler: hash plan: %w", err)
	}
	plan.PlanHash = hash

	return plan, nil
}

func (c *Compiler) resolveDependencies(ctx context.Context, def *capsule.Definition) error {
	if len(def.Dependencies) == 0 {
		return nil
	}
	if c.registry == nil {
		return fmt.Errorf("%w: %s declares dependencies but no registry is configured", ErrDependencyNotFound, def.Metadata.ID)
	}
	for _, dep := range def.Dependencies {
		if _, err := c.registry.Resolve(ctx, dep.Name, dep.Version); err != nil {
			return fmt.Errorf("%w: %s@%s: %v", ErrDependencyNotFound, dep.Name, dep.Version, err)
		}
	}
	return nil
}

// resolveInputs applies defaults and enforces required/type/constraint
// rules, the same validation shape as dryrun's resolveInputs generalized
// to a DAG-batched compiler instead of a linear dry run.
func resolveInputs(declared []capsule.Input, supplied map[string]any) (map[string]any, error) {
	var issues []string
	resolved := make(map[string]any, len(declared))

	for _, in := range declared {
		val, ok := supplied[in.Name]
		if !ok {
			if in.Default != nil {
				val = in.Default
				ok = true
			} else if in.Required {
				issues = append(issues, fmt.Sprintf("input %q is required", in.Name))
				continue
			} else {
				continue
			}
		}
		if ok {
			if err := validateInputValue(in, val); err != nil {
				issues = append(issues, err.Error())
				continue
			}
			resolved[in.Name] = val
		}
	}

	if len(issues) > 0 {
		return nil, &InputValidationError{Issues: issues}
	}
	return resolved, nil
}

func validateInputValue(in capsule.Input, v any) error {
	c := in.Constraints

	switch in.Type {
	case capsule.InputTypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("input %q must be a string", in.Name)
		}
		if c.MinLength != nil && len(s) < *c.MinLength {
			return fmt.Errorf("input %q shorter than min_length %d", in.Name, *c.MinLength)
		}
		if c.MaxLength != nil && len(s) > *c.MaxLength {
			return fmt.Errorf("input %q longer than max_length %d", in.Name, *c.MaxLength)
		}
		if c.Pattern != "" {
			re, err := regexp.Compile(c.Pattern)
			if err == nil && !re.MatchString(s) {
				return fmt.Errorf("input %q does not match pattern %q", in.Name, c.Pattern)
			}
		}
	case capsule.InputTypeNumber, capsule.InputTypeInteger:
		f, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("input %q must be numeric", in.Name)
		}
		if in.Type == capsule.InputTypeInteger && f != float64(int64(f)) {
			return fmt.Errorf("input %q must be an integer", in.Name)
		}
		if c.Minimum != nil && f < *c.Minimum {
			return fmt.Errorf("input %q below minimum %v", in.Name, *c.Minimum)
		}
		if c.Maximum != nil && f > *c.Maximum {
			return fmt.Errorf("input %q above maximum %v", in.Name, *c.Maximum)
		}
	case capsule.InputTypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("input %q must be a boolean", in.Name)
		}
	case capsule.InputTypeArray:
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("input %q must be an array", in.Name)
		}
		if c.MinItems != nil && len(arr) < *c.MinItems {
			return fmt.Errorf("input %q has fewer than min_items %d", in.Name, *c.MinItems)
		}
		if c.MaxItems != nil && len(arr) > *c.MaxItems {
			return fmt.Errorf("input %q has more than max_items %d", in.Name, *c.MaxItems)
		}
	case capsule.InputTypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("input %q must be an object", in.Name)
		}
	}

	if len(c.Enum) > 0 {
		found := false
		for _, allowed := range c.Enum {
			if valuesEqual(allowed, v) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("input %q is not one of the allowed enum values", in.Name)
		}
	}

	return nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// resolveParameters substitutes "{{ inputs.name }}" templates in a step's
// parameters with resolved input values, mirroring dryrun's template
// resolution for command payload arguments.
func resolveParameters(params map[string]any, inputs map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(v, inputs)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, inputs map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveStringValue(val, inputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := resolveValue(inner, inputs)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := resolveValue(inner, inputs)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveStringValue(s string, inputs map[string]any) (any, error) {
	matches := templatePattern.FindStringSubmatch(s)
	if matches != nil && matches[0] == s {
		name := matches[1]
		val, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("template references unresolved input %q", name)
		}
		return val, nil
	}

	return templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := templatePattern.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		val, ok := inputs[sub[1]]
		if !ok {
			return m
		}
		return fmt.Sprintf("%v", val)
	}), nil
}

// batchSteps assigns each step a batch number via Kahn's algorithm: all
// steps with satisfied dependencies at level N run in batch N, so the
// orchestrator and preflight simulator can run every step in a batch
// concurrently and know the next batch only starts once the current one
// finishes.
func batchSteps(steps []capsule.Step) (map[string]int, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	byID := make(map[string]capsule.Step, len(steps))

	for _, s := range steps {
		byID[s.ID] = s
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	batch := make(map[string]int, len(steps))
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	level := 0
	visited := 0
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			batch[id] = level
			visited++
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
		level++
	}

	if visited != len(steps) {
		return nil, ErrCycleDetected
	}
	return batch, nil
}

// inferMutating classifies a step's action by name prefix, the same
// heuristic the execution runtime uses to decide whether a step needs
// policy/approval gating before it runs.
func inferMutating(action string) bool {
	lower := strings.ToLower(action)
	readPrefixes := []string{"read", "get", "list", "describe", "query", "fetch", "check", "validate", "dryrun"}
	for _, p := range readPrefixes {
		if strings.HasPrefix(lower, p) || strings.Contains(lower, "."+p) {
			return false
		}
	}
	return true
}

func normalizeTimeout(seconds int) int {
	if seconds <= 0 {
		return 30
	}
	return seconds
}

func estimateResources(action string) ResourceEnvelope {
	lower := strings.ToLower(action)
	switch {
	case strings.Contains(lower, "deploy") || strings.Contains(lower, "apply"):
		return ResourceEnvelope{CPUMillis: 500, MemoryMB: 256, EstDurationMS: 8000}
	case strings.Contains(lower, "build"):
		return ResourceEnvelope{CPUMillis: 1000, MemoryMB: 512, EstDurationMS: 20000}
	case strings.Contains(lower, "notify") || strings.Contains(lower, "alert"):
		return ResourceEnvelope{CPUMillis: 50, MemoryMB: 32, EstDurationMS: 500}
	default:
		return ResourceEnvelope{CPUMillis: 100, MemoryMB: 64, EstDurationMS: 2000}
	}
}
