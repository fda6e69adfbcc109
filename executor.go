package querybridge

import (
	"context"
)

// Executor drives a plan against a borrowed connection. Implementations must
// yield while awaiting I/O and honor ctx cancellation between logical steps,
// never mid-statement, so a cancelled query leaves the connection in a
// well-defined state.
type Executor interface {
	Run(ctx context.Context, plan *Plan, conn Conn, schema *SchemaContext) (*ResultTree, error)
}

// stepExecutor is the default Executor. It walks plan steps in order,
// checking for cancellation at each step boundary.
type stepExecutor struct{}

// NewExecutor returns the default step-walking executor.
func NewExecutor() Executor {
	return stepExecutor{}
}

func (stepExecutor) Run(ctx context.Context, plan *Plan, conn Conn, schema *SchemaContext) (*ResultTree, error) {
	if err := schema.validatePlan(plan); err != nil {
		return nil, err
	}

	if len(plan.Steps) == 1 {
		return runStep(ctx, plan, 0, conn)
	}

	root := &ResultTree{Children: make(map[string]*ResultTree, len(plan.Steps))}
	for i := range plan.Steps {
		// Cancellation checkpoint: abort at the step boundary, not
		// mid-statement.
		select {
		case <-ctx.Done():
			return nil, newExecutorError(i, "cancelled before step", ctx.Err())
		default:
		}

		sub, err := runStep(ctx, plan, i, conn)
		if err != nil {
			return nil, err
		}
		root.Children[plan.stepLabel(i)] = sub
	}
	return root, nil
}

func runStep(ctx context.Context, plan *Plan, i int, conn Conn) (*ResultTree, error) {
	step := plan.Steps[i]

	switch plan.stepKind(i) {
	case PlanWrite:
		affected, err := conn.Exec(ctx, step.Statement, step.Args...)
		if err != nil {
			return nil, newExecutorError(i, "write step failed", err)
		}
		return &ResultTree{Entity: step.Entity, Affected: affected}, nil
	default:
		tree, err := conn.Query(ctx, step.Statement, step.Args...)
		if err != nil {
			return nil, newExecutorError(i, "read step failed", err)
		}
		if tree.Entity == "" {
			tree.Entity = step.Entity
		}
		return tree, nil
	}
}
