package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	GetFrameTree(context.Context) (*cdpp.FrameTree, error)
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) GetFrameTree(ctx context.Context) (*cdpp.FrameTree, error) {
	tree, err := cdpp.GetFrameTree().Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("getting frame tree: %w", err)
	}
	if tree == nil || tree.Frame == nil {
		return nil, fmt.Errorf("getting frame tree: empty frame tree")
	}

	return tree, nil
}
