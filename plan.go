package querybridge

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PlanKind distinguishes how a plan step drives the connection.
type PlanKind string

const (
	// PlanRead runs a statement and collects its rows.
	PlanRead PlanKind = "read"
	// PlanWrite runs a statement and collects its affected-row count.
	PlanWrite PlanKind = "write"
	// PlanRaw passes caller-supplied text through without schema validation.
	PlanRaw PlanKind = "raw"
)

// Plan is a validated, executable representation of a query, produced by a
// planner outside this package. The engine treats it as opaque apart from
// the step list the executor walks.
type Plan struct {
	Kind  PlanKind   `json:"kind"`
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one logical unit of work. Cancellation is honored between
// steps, never mid-statement.
type PlanStep struct {
	// Label keys this step's result in the result tree. Optional.
	Label string `json:"label,omitempty"`

	// Kind defaults to the plan kind when empty.
	Kind PlanKind `json:"kind,omitempty"`

	// Entity is the model this step addresses; used for strict-schema
	// validation and result tagging.
	Entity string `json:"entity,omitempty"`

	// Statement is the backend statement text generated by the planner.
	Statement string `json:"statement"`

	// Args are positional statement arguments.
	Args []any `json:"args,omitempty"`
}

// RawPlan wraps a single opaque statement as a pass-through plan.
func RawPlan(statement string, args ...any) *Plan {
	return &Plan{
		Kind:  PlanRaw,
		Steps: []PlanStep{{Statement: statement, Args: args}},
	}
}

// ParsePlan decodes a boundary query descriptor. A JSON object is decoded as
// a structured plan; anything else is treated as opaque raw statement text.
func ParsePlan(payload []byte) (*Plan, error) {
	if len(payload) == 0 {
		return nil, newEngineError(ErrorKindQuery, "empty query descriptor", nil)
	}

	if payload[0] != '{' {
		return RawPlan(string(payload)), nil
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, newEngineError(ErrorKindQuery, "malformed query descriptor", err)
	}
	if err := plan.check(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// check validates structural plan invariants.
func (p *Plan) check() error {
	switch p.Kind {
	case PlanRead, PlanWrite, PlanRaw:
	case "":
		p.Kind = PlanRead
	default:
		return newEngineError(ErrorKindQuery, fmt.Sprintf("unknown plan kind %q", p.Kind), nil)
	}
	if len(p.Steps) == 0 {
		return newEngineError(ErrorKindQuery, "plan has no steps", nil)
	}
	for i, step := range p.Steps {
		if step.Statement == "" {
			return newEngineError(ErrorKindQuery, fmt.Sprintf("step %d has no statement", i), nil)
		}
	}
	return nil
}

// stepKind resolves a step's effective kind.
func (p *Plan) stepKind(i int) PlanKind {
	if p.Steps[i].Kind != "" {
		return p.Steps[i].Kind
	}
	return p.Kind
}

// stepLabel resolves a step's result key.
func (p *Plan) stepLabel(i int) string {
	if p.Steps[i].Label != "" {
		return p.Steps[i].Label
	}
	return strconv.Itoa(i)
}
