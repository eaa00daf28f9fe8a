// Package capsule defines the Capsule document: the tenant-authored,
// version-controlled automation definition that the plan compiler turns
// into an ExecutablePlan.
package capsule

import "time"

// Input type constants, mirroring the small closed set of JSON types a
// capsule input can declare.
const (
	InputTypeString  = "string"
	InputTypeNumber  = "number"
	InputTypeInteger = "integer"
	InputTypeBoolean = "boolean"
	InputTypeArray   = "array"
	InputTypeObject  = "object"
)

// Metadata identifies a capsule independent of its contents.
type Metadata struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// InputConstraints restricts the values an input may take. All fields
// are optional and interpreted per Input.Type.
type InputConstraints struct {
	MinLength *int     `json:"min_length,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum      []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	MinItems  *int     `json:"min_items,omitempty" yaml:"minItems,omitempty"`
	MaxItems  *int     `json:"max_items,omitempty" yaml:"maxItems,omitempty"`
}

// Input declares one named value a capsule accepts at compile time.
type Input struct {
	Name        string           `json:"name" yaml:"name"`
	Type        string           `json:"type" yaml:"type"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool             `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any              `json:"default,omitempty" yaml:"default,omitempty"`
	Constraints InputConstraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// ApprovalRequirement marks a capsule or step as needing human sign-off
// before execution proceeds past it.
type ApprovalRequirement struct {
	Required         bool     `json:"required" yaml:"required"`
	Policy           string   `json:"policy,omitempty" yaml:"policy,omitempty"` // "all" or "any"
	Reason           string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	MinimumApprovers int      `json:"minimum_approvers,omitempty" yaml:"minimumApprovers,omitempty"`
	ApproverRoles    []string `json:"approver_roles,omitempty" yaml:"approverRoles,omitempty"`
}

// Step is one unit of work in a capsule. DependsOn names sibling step
// IDs that must complete first; an empty DependsOn means the step may
// run as soon as the capsule starts.
type Step struct {
	ID               string               `json:"id" yaml:"id"`
	Name             string               `json:"name" yaml:"name"`
	Description      string               `json:"description,omitempty" yaml:"description,omitempty"`
	Action           string               `json:"action" yaml:"action"`
	Parameters       map[string]any       `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn        []string             `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`
	Approval         *ApprovalRequirement `json:"approval,omitempty" yaml:"approval,omitempty"`
	MaxRetries       int                  `json:"max_retries,omitempty" yaml:"maxRetries,omitempty"`
	TimeoutSeconds   int                  `json:"timeout_seconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	RollbackAction   string               `json:"rollback_action,omitempty" yaml:"rollbackAction,omitempty"`
	ExpectedOutcomes []ExpectedOutcome    `json:"expected_outcomes,omitempty" yaml:"expectedOutcomes,omitempty"`
}

// ExpectedOutcome documents what a successful step or capsule run
// produces, used by the preflight simulator to report predicted outcomes
// and by the orchestrator to annotate receipts.
type ExpectedOutcome struct {
	ID              string `json:"id" yaml:"id"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty"`
	SuccessCriteria string `json:"success_criteria,omitempty" yaml:"successCriteria,omitempty"`
	StepID          string `json:"step_id,omitempty" yaml:"stepId,omitempty"`
	Required        bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Dependency references another capsule by name@version that this one
// composes with. Resolving these is the PlanCompiler Resolver's job.
type Dependency struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Definition is the full parsed capsule document.
type Definition struct {
	Metadata         Metadata             `json:"metadata" yaml:"metadata"`
	Dependencies     []Dependency         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Inputs           []Input              `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Approval         *ApprovalRequirement `json:"approval,omitempty" yaml:"approval,omitempty"`
	Steps            []Step               `json:"steps" yaml:"steps"`
	ExpectedOutcomes []ExpectedOutcome    `json:"expected_outcomes,omitempty" yaml:"expectedOutcomes,omitempty"`
	ToolAllowlist    []string             `json:"tool_allowlist,omitempty" yaml:"toolAllowlist,omitempty"`
	CreatedAt        time.Time            `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt        time.Time            `json:"updated_at,omitempty" yaml:"-"`
}

// Summary is the lightweight projection returned by list endpoints,
// avoiding a full Definition marshal for every row.
type Summary struct {
	Metadata   Metadata  `json:"metadata"`
	InputCount int       `json:"input_count"`
	StepCount  int       `json:"step_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToSummary projects a Definition down to its Summary.
func (d *Definition) ToSummary() Summary {
	return Summary{
		Metadata:   d.Metadata,
		InputCount: len(d.Inputs),
		StepCount:  len(d.Steps),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}
