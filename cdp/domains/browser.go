package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Version identifies the browser at the other end of the connection.
type Version struct {
	Protocol  string
	Product   string
	Revision  string
	UserAgent string
	JSVersion string
}

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	Version(ctx context.Context) (*Version, error)
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) Version(ctx context.Context) (*Version, error) {
	protocol, product, revision, ua, js, err := cdpb.GetVersion().Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return nil, fmt.Errorf("getting browser version: %w", err)
	}

	return &Version{
		Protocol:  protocol,
		Product:   product,
		Revision:  revision,
		UserAgent: ua,
		JSVersion: js,
	}, nil
}
