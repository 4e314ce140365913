// Package frames keeps a live model of the frames of every attached unit
// (tab) and routes protocol commands to the frame they are meant for.
//
// Same-process iframes are addressed through their execution context on
// the unit's own session. Out-of-process iframes are addressed through the
// child session the browser auto-attached for them.
package frames

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/log"
)

// Manager owns one Unit per unit id and feeds it the events of its unit.
type Manager struct {
	ctx       context.Context
	transport Transport
	logger    *log.Logger
	opts      *Options

	unitsMu sync.Mutex
	units   map[int64]*Unit
}

// NewManager returns a Manager sending commands through transport.
// Units created by the manager stop when ctx is done.
func NewManager(ctx context.Context, transport Transport, logger *log.Logger, opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	return &Manager{
		ctx:       ctx,
		transport: transport,
		logger:    logger,
		opts:      opts,
		units:     make(map[int64]*Unit),
	}
}

// getOrCreate returns the unit registered under id, creating it if needed.
// It reports whether the unit was created by this call.
func (m *Manager) getOrCreate(id int64) (*Unit, bool) {
	m.unitsMu.Lock()
	defer m.unitsMu.Unlock()

	if u, ok := m.units[id]; ok {
		return u, false
	}
	u := NewUnit(m.ctx, id, m.transport, m.opts, m.logger)
	m.units[id] = u

	return u, true
}

func (m *Manager) get(id int64) (*Unit, bool) {
	m.unitsMu.Lock()
	defer m.unitsMu.Unlock()

	u, ok := m.units[id]
	return u, ok
}

// remove deletes id from the registry if it still maps to u.
func (m *Manager) remove(id int64, u *Unit) bool {
	m.unitsMu.Lock()
	defer m.unitsMu.Unlock()

	if cur, ok := m.units[id]; !ok || cur != u {
		return false
	}
	delete(m.units, id)
	return true
}

// Attach starts tracking unit id: it enables the protocol domains on the
// unit and detects its main frame. A unit that was created on an earlier
// event is initialized here. If initialization fails the unit is discarded
// and the error is returned.
func (m *Manager) Attach(ctx context.Context, id int64) error {
	u, created := m.getOrCreate(id)
	m.logger.Debugf("Manager:Attach", "unit:%d created:%t", id, created)

	if err := u.Initialize(ctx); err != nil {
		if m.remove(id, u) {
			u.Cleanup()
		}
		return fmt.Errorf("attaching unit %d: %w", id, err)
	}

	return nil
}

// Detach stops tracking unit id. It is a no-op for unknown units.
func (m *Manager) Detach(id int64) {
	u, ok := m.get(id)
	if !ok || !m.remove(id, u) {
		return
	}
	u.Cleanup()
	m.logger.Debugf("Manager:Detach", "unit:%d", id)
}

// IsAttached reports whether unit id is tracked.
func (m *Manager) IsAttached(id int64) bool {
	_, ok := m.get(id)
	return ok
}

// Units returns the tracked unit ids in ascending order.
func (m *Manager) Units() []int64 {
	m.unitsMu.Lock()
	ids := make([]int64, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	m.unitsMu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) unit(id int64) (*Unit, error) {
	u, ok := m.get(id)
	if !ok {
		return nil, &NotAttachedError{UnitID: id}
	}
	return u, nil
}

// Clients returns the frames of unit id, main frame first.
func (m *Manager) Clients(ctx context.Context, id int64) ([]ClientInfo, error) {
	u, err := m.unit(id)
	if err != nil {
		return nil, err
	}
	return u.Clients(ctx)
}

// Client returns the client of frameID in unit id, or of its main frame
// when frameID is empty.
func (m *Manager) Client(ctx context.Context, id int64, frameID string) (*Client, error) {
	u, err := m.unit(id)
	if err != nil {
		return nil, err
	}
	c, err := u.Client(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NoClientError{UnitID: id, FrameID: frameID}
	}

	return c, nil
}

// SendCommand sends method with params to frameID of unit id.
func (m *Manager) SendCommand(
	ctx context.Context, id int64, frameID, method string, params easyjson.RawMessage,
) (easyjson.RawMessage, error) {
	c, err := m.Client(ctx, id, frameID)
	if err != nil {
		return nil, err
	}
	return c.SendCommand(ctx, method, params)
}

// HandleEvent hands evt to the unit it came from, creating the unit if it
// is not tracked yet. A detach event forgets the unit instead.
func (m *Manager) HandleEvent(evt *cdp.Event) {
	if evt.Detached {
		m.HandleDetached(evt.Source.UnitID)
		return
	}

	u, created := m.getOrCreate(evt.Source.UnitID)
	if created {
		m.logger.Debugf("Manager:HandleEvent", "unit:%d created on %q", evt.Source.UnitID, evt.Method)
	}

	ev, err := DecodeEvent(evt)
	if err != nil {
		m.logger.Warnf("Manager:HandleEvent", "unit:%d source:%v err:%v", evt.Source.UnitID, evt.Source, err)
		return
	}
	if ig, ok := ev.(Ignored); ok {
		if isWatched(ig.Method) {
			m.logger.Tracef("Manager:HandleEvent", "unit:%d method:%q ignored", evt.Source.UnitID, ig.Method)
		}
		return
	}

	u.Handle(ev)
}

// HandleDetached forgets unit id after the transport lost it. The
// transport side is already gone, so nothing is sent to it.
func (m *Manager) HandleDetached(id int64) {
	u, ok := m.get(id)
	if !ok || !m.remove(id, u) {
		return
	}
	u.close()
	m.logger.Infof("Manager:HandleDetached", "unit:%d detached by the browser", id)
}

// Listen consumes src in order until ctx is done or the event feed is
// closed.
func (m *Manager) Listen(ctx context.Context, src EventSource) error {
	events := src.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.HandleEvent(evt)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}
