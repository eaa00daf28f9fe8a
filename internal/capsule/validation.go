package capsule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationError aggregates every structural problem found in a
// Definition so a caller sees all issues in one response instead of
// fixing them one compile attempt at a time.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("capsule validation failed: %s", e.Issues[0])
	}
	return fmt.Sprintf("capsule validation failed with %d issues: %s", len(e.Issues), strings.Join(e.Issues, "; "))
}

var (
	nameIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,127}$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	depRefPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,127}@\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
)

// Validate normalizes then structurally validates a Definition: metadata
// identity, approval requirement, input declarations, step graph
// (uniqueness, action presence, acyclic DependsOn edges), and that every
// expected outcome references a real step.
func Validate(def *Definition) error {
	var issues []string

	normalize(def)

	if !nameIDPattern.MatchString(def.Metadata.ID) {
		issues = append(issues, fmt.Sprintf("metadata.id %q must match %s", def.Metadata.ID, nameIDPattern.String()))
	}
	if def.Metadata.Name == "" {
		issues = append(issues, "metadata.name is required")
	}
	if !semverPattern.MatchString(def.Metadata.Version) {
		issues = append(issues, fmt.Sprintf("metadata.version %q must be semver", def.Metadata.Version))
	}

	for i, dep := range def.Dependencies {
		ref := dep.Name + "@" + dep.Version
		if !depRefPattern.MatchString(ref) {
			issues = append(issues, fmt.Sprintf("dependencies[%d] %q must be name@semver", i, ref))
		}
	}

	if def.Approval != nil {
		issues = append(issues, validateApproval("approval", def.Approval)...)
	}

	issues = append(issues, validateInputs(def.Inputs)...)

	stepIssues, stepIDs := validateSteps(def.Steps)
	issues = append(issues, stepIssues...)

	if len(def.ExpectedOutcomes) == 0 {
		hasStepOutcomes := false
		for _, s := range def.Steps {
			if len(s.ExpectedOutcomes) > 0 {
				hasStepOutcomes = true
				break
			}
		}
		if !hasStepOutcomes {
			issues = append(issues, "at least one expected outcome is required (capsule-level or per-step)")
		}
	}
	for i, oc := range def.ExpectedOutcomes {
		if oc.ID == "" {
			issues = append(issues, fmt.Sprintf("expected_outcomes[%d].id is required", i))
		}
		if oc.StepID != "" {
			if _, ok := stepIDs[oc.StepID]; !ok {
				issues = append(issues, fmt.Sprintf("expected_outcomes[%d].step_id %q does not reference a known step", i, oc.StepID))
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func normalize(def *Definition) {
	def.Metadata.ID = strings.TrimSpace(strings.ToLower(def.Metadata.ID))
	def.Metadata.Name = strings.TrimSpace(def.Metadata.Name)
	def.Metadata.Version = strings.TrimSpace(def.Metadata.Version)
	for i := range def.Steps {
		def.Steps[i].ID = strings.TrimSpace(strings.ToLower(def.Steps[i].ID))
		def.Steps[i].Action = strings.TrimSpace(def.Steps[i].Action)
	}
}

func validateApproval(path string, a *ApprovalRequirement) []string {
	var issues []string
	if a.Policy != "" && a.Policy != "all" && a.Policy != "any" {
		issues = append(issues, fmt.Sprintf("%s.policy must be \"all\" or \"any\", got %q", path, a.Policy))
	}
	if a.MinimumApprovers < 0 {
		issues = append(issues, fmt.Sprintf("%s.minimum_approvers must be >= 0", path))
	}
	return issues
}

func validateInputs(inputs []Input) []string {
	var issues []string
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		if in.Name == "" {
			issues = append(issues, fmt.Sprintf("inputs[%d].name is required", i))
			continue
		}
		if seen[in.Name] {
			issues = append(issues, fmt.Sprintf("inputs[%d].name %q is duplicated", i, in.Name))
		}
		seen[in.Name] = true

		if !isSupportedInputType(in.Type) {
			issues = append(issues, fmt.Sprintf("inputs[%d].type %q is not a supported type", i, in.Type))
			continue
		}
		issues = append(issues, validateInputConstraints(fmt.Sprintf("inputs[%d]", i), in)...)
	}
	return issues
}

func isSupportedInputType(t string) bool {
	switch t {
	case InputTypeString, InputTypeNumber, InputTypeInteger, InputTypeBoolean, InputTypeArray, InputTypeObject:
		return true
	default:
		return false
	}
}

func validateInputConstraints(path string, in Input) []string {
	var issues []string
	c := in.Constraints

	switch in.Type {
	case InputTypeString:
		if c.Minimum != nil || c.Maximum != nil || c.MinItems != nil || c.MaxItems != nil {
			issues = append(issues, fmt.Sprintf("%s: numeric/array constraints not valid for string input", path))
		}
		if c.Pattern != "" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				issues = append(issues, fmt.Sprintf("%s.constraints.pattern is not a valid regex: %v", path, err))
			}
		}
	case InputTypeNumber, InputTypeInteger:
		if c.MinLength != nil || c.MaxLength != nil || c.Pattern != "" || c.MinItems != nil || c.MaxItems != nil {
			issues = append(issues, fmt.Sprintf("%s: string/array constraints not valid for numeric input", path))
		}
		if c.Minimum != nil && c.Maximum != nil && *c.Minimum > *c.Maximum {
			issues = append(issues, fmt.Sprintf("%s.constraints.minimum > maximum", path))
		}
	case InputTypeArray:
		if c.MinLength != nil || c.MaxLength != nil || c.Pattern != "" || c.Minimum != nil || c.Maximum != nil {
			issues = append(issues, fmt.Sprintf("%s: scalar constraints not valid for array input", path))
		}
		if c.MinItems != nil && c.MaxItems != nil && *c.MinItems > *c.MaxItems {
			issues = append(issues, fmt.Sprintf("%s.constraints.min_items > max_items", path))
		}
	case InputTypeBoolean, InputTypeObject:
		if c.MinLength != nil || c.MaxLength != nil || c.Pattern != "" || c.Minimum != nil ||
			c.Maximum != nil || c.MinItems != nil || c.MaxItems != nil || len(c.Enum) > 0 {
			issues = append(issues, fmt.Sprintf("%s: no constraints are valid for %s input", path, in.Type))
		}
	}
	return issues
}

func validateSteps(steps []Step) ([]string, map[string]bool) {
	var issues []string
	ids := make(map[string]bool, len(steps))

	if len(steps) == 0 {
		issues = append(issues, "at least one step is required")
		return issues, ids
	}

	for i, s := range steps {
		if s.ID == "" {
			issues = append(issues, fmt.Sprintf("steps[%d].id is required", i))
			continue
		}
		if ids[s.ID] {
			issues = append(issues, fmt.Sprintf("steps[%d].id %q is duplicated", i, s.ID))
		}
		ids[s.ID] = true

		if s.Action == "" {
			issues = append(issues, fmt.Sprintf("steps[%d] (%s): action is required", i, s.ID))
		}
		if s.MaxRetries < 0 {
			issues = append(issues, fmt.Sprintf("steps[%d] (%s): max_retries must be >= 0", i, s.ID))
		}
		if s.TimeoutSeconds < 0 {
			issues = append(issues, fmt.Sprintf("steps[%d] (%s): timeout_seconds must be >= 0", i, s.ID))
		}
		if s.Approval != nil {
			issues = append(issues, validateApproval(fmt.Sprintf("steps[%d].approval", i), s.Approval)...)
		}
	}

	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				issues = append(issues, fmt.Sprintf("steps[%d] (%s): depends_on references unknown step %q", i, s.ID, dep))
			}
			if dep == s.ID {
				issues = append(issues, fmt.Sprintf("steps[%d] (%s): depends_on cannot reference itself", i, s.ID))
			}
		}
	}

	if cyclePath, ok := detectCycle(steps); ok {
		issues = append(issues, fmt.Sprintf("step dependency graph has a cycle: %s", strings.Join(cyclePath, " -> ")))
	}

	return issues, ids
}

// detectCycle runs Kahn's algorithm over the DependsOn edges; any step
// left with unresolved in-degree after the topological peel is part of
// a cycle. Returns one representative cycle for the error message.
func detectCycle(steps []Step) ([]string, bool) {
	indegree := make(map[string]int, len(steps))
	edges := make(map[string][]string, len(steps)) // dep -> dependents
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			edges[dep] = append(edges[dep], s.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range edges[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited == len(indegree) {
		return nil, false
	}

	var remaining []string
	for id, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	return remaining, true
}

func isNumeric(t string) bool {
	return t == InputTypeNumber || t == InputTypeInteger
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case string:
		_, err := strconv.ParseInt(n, 10, 64)
		return err == nil
	default:
		return false
	}
}
