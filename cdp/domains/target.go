package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	AttachToTarget(ctx context.Context, targetID string) (sessionID string, err error)
	DetachFromTarget(ctx context.Context, sessionID string) error
	SetAutoAttach(ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool, filter cdpt.Filter) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

// FrameTargetsFilter restricts auto-attach to page and iframe targets.
// Entries are matched in order, the first match wins.
func FrameTargetsFilter() cdpt.Filter {
	return cdpt.Filter{
		{Type: "worker", Exclude: true},
		{Type: "shared_worker", Exclude: true},
		{Type: "service_worker", Exclude: true},
		{Type: "browser", Exclude: true},
		{Type: "tab", Exclude: true},
		{Type: "page"},
		{Type: "iframe"},
	}
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := cdpt.GetTargets().Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("executing getTargets: %w", err)
	}

	return infos, nil
}

func (t *target) AttachToTarget(ctx context.Context, targetID string) (string, error) {
	action := cdpt.AttachToTarget(cdpt.ID(targetID)).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("executing attachToTarget %q: %w", targetID, err)
	}

	return string(sid), nil
}

func (t *target) DetachFromTarget(ctx context.Context, sessionID string) error {
	action := cdpt.DetachFromTarget().WithSessionID(cdpt.SessionID(sessionID))
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing detachFromTarget %q: %w", sessionID, err)
	}

	return nil
}

// SetAutoAttach executes the CDP Target.setAutoAttach command.
// A nil filter leaves the browser's default filter in place.
func (t *target) SetAutoAttach(
	ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool, filter cdpt.Filter,
) error {
	action := cdpt.SetAutoAttach(autoAttach, waitForDebuggerOnStart).WithFlatten(flatten)
	if filter != nil {
		action = action.WithFilter(filter)
	}
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setAutoAttach: %w", err)
	}

	return nil
}
