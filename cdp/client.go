// Package cdp implements a flattened-session Chrome DevTools Protocol client
// that addresses page targets as numbered units and their out-of-process
// child targets as child sessions of those units.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/grafana/cdpframes/cdp/domains"
	"github.com/grafana/cdpframes/log"
)

var _ cdpext.Executor = &Client{}

var (
	// ErrNotConnected is returned for commands issued before Connect or
	// after the connection is lost.
	ErrNotConnected = errors.New("CDP connection is not established")

	// ErrUnknownUnit is returned for a unit id that was never listed by Units.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrUnitNotAttached is returned when addressing a unit that is not
	// attached.
	ErrUnitNotAttached = errors.New("unit is not attached")
)

// UnitInfo describes a page target and the unit id assigned to it.
type UnitInfo struct {
	ID       int64
	TargetID string
	Type     string
	Title    string
	URL      string
	Attached bool
}

type unit struct {
	id        int64
	targetID  target.ID
	info      *target.Info
	sessionID target.SessionID
}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	Browser domains.Browser
	Target  domains.Target

	conn      *connection
	msgID     int64
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message
	done      chan struct{}
	doneOnce  sync.Once

	unitsMu    sync.RWMutex
	units      map[int64]*unit
	unitIDs    map[target.ID]int64
	lastUnitID int64
	// sessions maps every known flattened session, top-level and child,
	// to the address events arriving on it are reported with.
	sessions map[target.SessionID]Address

	events *eventQueue

	wsURL string
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		msgSubs:  make(map[int64]chan *cdproto.Message),
		done:     make(chan struct{}),
		units:    make(map[int64]*unit),
		unitIDs:  make(map[target.ID]int64),
		sessions: make(map[target.SessionID]Address),
		events:   newEventQueue(ctx),
	}
	c.Target = domains.NewTarget(c)
	c.Browser = domains.NewBrowser(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(c.ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Infof("Client:Connect", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()

	return nil
}

// Disconnect from the browser's CDP API.
func (c *Client) Disconnect() {
	c.cancel()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debugf("Client:Disconnect", "wsURL:%q err:%v", c.wsURL, err)
		}
	}
	c.markDone()
}

// Events returns the ordered feed of events received on unit sessions.
// When the browser detaches a unit's top-level session, e.g. because the
// tab was closed, the feed carries an Event with Detached set for it.
func (c *Client) Events() <-chan *Event {
	return c.events.out
}

// Units lists the browser's page targets. Unit ids are assigned on first
// sight of a target and stay stable for the lifetime of the Client.
func (c *Client) Units(ctx context.Context) ([]UnitInfo, error) {
	infos, err := c.Target.GetTargets(ctx)
	if err != nil {
		return nil, err
	}

	c.unitsMu.Lock()
	defer c.unitsMu.Unlock()

	units := make([]UnitInfo, 0, len(infos))
	for _, ti := range infos {
		if ti.Type != "page" {
			continue
		}
		id, ok := c.unitIDs[ti.TargetID]
		if !ok {
			c.lastUnitID++
			id = c.lastUnitID
			c.unitIDs[ti.TargetID] = id
			c.units[id] = &unit{id: id, targetID: ti.TargetID}
		}
		u := c.units[id]
		u.info = ti
		units = append(units, UnitInfo{
			ID:       id,
			TargetID: string(ti.TargetID),
			Type:     ti.Type,
			Title:    ti.Title,
			URL:      ti.URL,
			Attached: u.sessionID != "",
		})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })

	return units, nil
}

// AttachUnit attaches a flattened session to the unit's page target.
func (c *Client) AttachUnit(ctx context.Context, unitID int64) error {
	c.unitsMu.RLock()
	u, ok := c.units[unitID]
	var tid target.ID
	if ok {
		tid = u.targetID
	}
	attached := ok && u.sessionID != ""
	c.unitsMu.RUnlock()

	if !ok {
		return fmt.Errorf("attaching unit %d: %w", unitID, ErrUnknownUnit)
	}
	if attached {
		return nil
	}

	sid, err := c.Target.AttachToTarget(ctx, string(tid))
	if err != nil {
		return fmt.Errorf("attaching unit %d: %w", unitID, err)
	}

	c.unitsMu.Lock()
	u.sessionID = target.SessionID(sid)
	c.sessions[u.sessionID] = Address{UnitID: unitID}
	c.unitsMu.Unlock()
	c.logger.Debugf("Client:AttachUnit", "unit:%d tid:%v sid:%v", unitID, tid, sid)

	return nil
}

// DetachUnit detaches the unit's top-level session and forgets every child
// session that belonged to it.
func (c *Client) DetachUnit(ctx context.Context, unitID int64) error {
	c.unitsMu.RLock()
	u, ok := c.units[unitID]
	var sid target.SessionID
	if ok {
		sid = u.sessionID
	}
	c.unitsMu.RUnlock()

	if !ok {
		return fmt.Errorf("detaching unit %d: %w", unitID, ErrUnknownUnit)
	}
	if sid == "" {
		return nil
	}

	c.forgetUnit(unitID)
	if err := c.Target.DetachFromTarget(ctx, string(sid)); err != nil {
		return fmt.Errorf("detaching unit %d: %w", unitID, err)
	}

	return nil
}

// Send executes method at addr and waits for its reply.
func (c *Client) Send(
	ctx context.Context, addr Address, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	sid := target.SessionID(addr.SessionID)
	if sid == "" {
		c.unitsMu.RLock()
		if u, ok := c.units[addr.UnitID]; ok {
			sid = u.sessionID
		}
		c.unitsMu.RUnlock()
		if sid == "" {
			return fmt.Errorf("sending %q to %v: %w", method, addr, ErrUnitNotAttached)
		}
	}

	return c.execute(ctx, sid, method, params, res)
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive on the session set with WithSessionID, or the browser session.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.execute(ctx, target.SessionID(GetSessionID(ctx)), method, params, res)
}

func (c *Client) execute(
	ctx context.Context, sid target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.logger.Debugf("Client:Execute", "sid:%v method:%q", sid, method)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %q params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	// The reply is routed by message id in recvLoop.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	if err := c.conn.writeMessage(msg); err != nil {
		return err
	}

	select {
	case reply := <-recvCh:
		switch {
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *Client) recvLoop() {
	defer c.markDone()

	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				c.ctx.Err() == nil {
				c.logger.Errorf("Client:recvLoop", "wsURL:%q err:%v", c.wsURL, err)
			}
			return
		}

		switch {
		case msg.Method != "":
			c.onEvent(msg)
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("Client:recvLoop", "no subscriber for reply id:%d", msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Errorf("Client:recvLoop", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) onEvent(msg *cdproto.Message) {
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		child := target.SessionID(gjson.GetBytes(msg.Params, "sessionId").String())
		c.unitsMu.Lock()
		if src, ok := c.sessions[msg.SessionID]; ok && child != "" {
			c.sessions[child] = Address{UnitID: src.UnitID, SessionID: string(child)}
		}
		c.unitsMu.Unlock()

	case cdproto.EventTargetDetachedFromTarget:
		detached := target.SessionID(gjson.GetBytes(msg.Params, "sessionId").String())
		if msg.SessionID == "" {
			// Browser-level notification: only top-level unit sessions are
			// attached from the browser session.
			if unitID, ok := c.unitForTopSession(detached); ok {
				c.logger.Debugf("Client:onEvent", "unit:%d sid:%v detached by browser", unitID, detached)
				c.forgetUnit(unitID)
				c.events.push(&Event{Source: Address{UnitID: unitID}, Detached: true})
			}
			return
		}
		defer func() {
			c.unitsMu.Lock()
			delete(c.sessions, detached)
			c.unitsMu.Unlock()
		}()
	}

	c.unitsMu.RLock()
	src, ok := c.sessions[msg.SessionID]
	c.unitsMu.RUnlock()
	if !ok {
		c.logger.Tracef("Client:onEvent", "sid:%v method:%q not on a unit session", msg.SessionID, msg.Method)
		return
	}

	c.events.push(&Event{
		Source: src,
		Method: msg.Method,
		Params: msg.Params,
	})
}

func (c *Client) unitForTopSession(sid target.SessionID) (int64, bool) {
	c.unitsMu.RLock()
	defer c.unitsMu.RUnlock()

	if sid == "" {
		return 0, false
	}
	for id, u := range c.units {
		if u.sessionID == sid {
			return id, true
		}
	}
	return 0, false
}

func (c *Client) forgetUnit(unitID int64) {
	c.unitsMu.Lock()
	defer c.unitsMu.Unlock()

	if u, ok := c.units[unitID]; ok {
		u.sessionID = ""
	}
	for sid, addr := range c.sessions {
		if addr.UnitID == unitID {
			delete(c.sessions, sid)
		}
	}
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
