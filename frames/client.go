package frames

import (
	"context"
	"sync"

	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/cdp/domains"
	"github.com/grafana/cdpframes/log"
)

// Transport sends commands to an address and waits for their replies.
type Transport interface {
	Send(ctx context.Context, addr cdp.Address, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error
}

// EventSource is the transport's inbound feed, unit detaches included.
type EventSource interface {
	Events() <-chan *cdp.Event
}

// Kind classifies a frame client.
type Kind string

// Frame client kinds.
const (
	KindMain              Kind = "main"
	KindOOPIF             Kind = "oopif"
	KindSameProcessIframe Kind = "same-process-iframe"
)

// ClientInfo is a snapshot of a Client.
type ClientInfo struct {
	FrameID            string   `json:"frameId"`
	Kind               Kind     `json:"classification"`
	SessionID          string   `json:"sessionId,omitempty"`
	ExecutionContextID null.Int `json:"executionContextId"`
	IsMainFrame        bool     `json:"isMainFrame"`
}

// addrExecutor binds a Transport to one address so cdproto actions can run
// against it.
type addrExecutor struct {
	transport Transport
	addr      cdp.Address
}

var _ cdpext.Executor = addrExecutor{}

func (e addrExecutor) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if err := e.transport.Send(ctx, e.addr, method, params, res); err != nil {
		return &TransportError{Addr: e.addr, Method: method, Err: err}
	}
	return nil
}

// Client is the command channel of a single frame.
// The frame id and address never change; the execution context id and the
// main frame flag may.
type Client struct {
	frameID       string
	addr          cdp.Address
	exec          addrExecutor
	frameIDGlobal string
	logger        *log.Logger

	mu                 sync.RWMutex
	executionContextID null.Int
	isMainFrame        bool
}

func newClient(
	frameID string, addr cdp.Address, executionContextID null.Int,
	transport Transport, opts *Options, logger *log.Logger,
) *Client {
	return &Client{
		frameID:            frameID,
		addr:               addr,
		exec:               addrExecutor{transport: transport, addr: addr},
		frameIDGlobal:      opts.FrameIDGlobal,
		logger:             logger,
		executionContextID: executionContextID,
	}
}

// FrameID returns the id of the frame this client addresses.
func (c *Client) FrameID() string { return c.frameID }

// Address returns the transport address of the frame.
func (c *Client) Address() cdp.Address { return c.addr }

// ExecutionContextID returns the frame's execution context id, if known.
func (c *Client) ExecutionContextID() null.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executionContextID
}

// IsMainFrame reports whether this is the unit's main frame.
func (c *Client) IsMainFrame() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isMainFrame
}

// SetMainFrame sets the main frame flag.
func (c *Client) SetMainFrame(isMain bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isMainFrame = isMain
}

// UpdateExecutionContext records the frame's execution context id.
func (c *Client) UpdateExecutionContext(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionContextID = null.IntFrom(id)
}

// Kind classifies the client from its current state.
func (c *Client) Kind() Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.kindLocked()
}

// kindLocked classifies the client. c.mu must be held.
func (c *Client) kindLocked() Kind {
	switch {
	case c.isMainFrame:
		return KindMain
	case c.addr.SessionID != "":
		return KindOOPIF
	}
	return KindSameProcessIframe
}

// Info returns a snapshot of the client.
func (c *Client) Info() ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientInfo{
		FrameID:            c.frameID,
		Kind:               c.kindLocked(),
		SessionID:          c.addr.SessionID,
		ExecutionContextID: c.executionContextID,
		IsMainFrame:        c.isMainFrame,
	}
}

// SendCommand sends method with params to the frame and returns the raw
// result. Transport failures are returned as *TransportError.
func (c *Client) SendCommand(ctx context.Context, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	var (
		in  easyjson.Marshaler
		res easyjson.RawMessage
	)
	if len(params) > 0 {
		in = &params
	}
	if err := c.exec.Execute(ctx, method, in, &res); err != nil {
		return nil, err
	}

	return res, nil
}

// Evaluate runs expression in the frame. Same-process iframes evaluate in
// their own execution context; main frames and OOPIFs use the default
// context of their session. The value is only returned when returnByValue
// is set.
func (c *Client) Evaluate(ctx context.Context, expression string, returnByValue bool) (easyjson.RawMessage, error) {
	var contextID int64
	if ecid := c.ExecutionContextID(); ecid.Valid && c.Kind() == KindSameProcessIframe {
		contextID = ecid.Int64
	}

	res, exc, err := domains.NewRuntime(c.exec).Evaluate(ctx, expression, contextID, returnByValue)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		text := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			text = exc.Exception.Description
		}
		return nil, &EvaluationError{FrameID: c.frameID, Text: text}
	}
	if !returnByValue || res == nil {
		return nil, nil
	}

	return res.Value, nil
}

// InjectFrameID installs the frame id as a page global so in-page code can
// tell which frame it runs in. Failures are logged and otherwise ignored.
func (c *Client) InjectFrameID(ctx context.Context) {
	if _, err := c.Evaluate(ctx, c.frameIDStatement(), false); err != nil {
		c.logger.Warnf("Client:InjectFrameID", "fid:%s addr:%v err:%v", c.frameID, c.addr, err)
	}
}

func (c *Client) frameIDStatement() string {
	var w jwriter.Writer
	w.RawString("window[")
	w.String(c.frameIDGlobal)
	w.RawString("] = ")
	w.String(c.frameID)
	w.RawString(";")

	b, _ := w.BuildBytes()
	return string(b)
}
