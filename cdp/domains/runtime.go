package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	Enable(context.Context) error
	RunIfWaitingForDebugger(context.Context) error
	Evaluate(ctx context.Context, expression string, contextID int64, returnByValue bool) (
		*cdpr.RemoteObject, *cdpr.ExceptionDetails, error,
	)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Enable(ctx context.Context) error {
	if err := cdpr.Enable().Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("enabling runtime CDP domain: %w", err)
	}

	return nil
}

func (r *runtime) RunIfWaitingForDebugger(ctx context.Context) error {
	if err := cdpr.RunIfWaitingForDebugger().Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("executing runIfWaitingForDebugger: %w", err)
	}

	return nil
}

// Evaluate executes Runtime.evaluate. A zero contextID leaves the context
// to the session the executor is bound to.
func (r *runtime) Evaluate(
	ctx context.Context, expression string, contextID int64, returnByValue bool,
) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error) {
	action := cdpr.Evaluate(expression).WithReturnByValue(returnByValue)
	if contextID != 0 {
		action = action.WithContextID(cdpr.ExecutionContextID(contextID))
	}

	res, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating expression: %w", err)
	}

	return res, exc, nil
}
