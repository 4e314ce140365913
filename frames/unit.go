package frames

import (
	"context"
	"sort"
	"sync"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/cdp/domains"
	"github.com/grafana/cdpframes/log"
)

// task is a unit of work run on a Unit's worker goroutine.
type task func()

// taskQueue is an unbounded FIFO. Producers never block, so the manager can
// hand events to a unit whose worker is waiting on the transport.
type taskQueue struct {
	mu    sync.Mutex
	tasks []task
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain() []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Unit tracks the frames of one top-level debugging unit (a tab).
//
// All reads and writes of the client map happen on the unit's worker
// goroutine, in the order events and requests were handed to the unit.
type Unit struct {
	id        int64
	transport Transport
	opts      *Options
	logger    *log.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	queue      *taskQueue
	workerDone chan struct{}

	// owned by the worker goroutine.
	clients     map[string]*Client
	mainFrameID string
	initialized bool
}

// NewUnit returns a unit with a running worker. The worker stops when ctx
// is done or the unit is cleaned up.
func NewUnit(ctx context.Context, id int64, transport Transport, opts *Options, logger *log.Logger) *Unit {
	if opts == nil {
		opts = NewOptions()
	}
	ctx, cancel := context.WithCancel(ctx)
	u := &Unit{
		id:         id,
		transport:  transport,
		opts:       opts,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		queue:      newTaskQueue(),
		workerDone: make(chan struct{}),
		clients:    make(map[string]*Client),
	}
	go u.run()

	return u
}

// ID returns the unit id.
func (u *Unit) ID() int64 { return u.id }

func (u *Unit) run() {
	defer close(u.workerDone)
	for {
		for _, t := range u.queue.drain() {
			if u.ctx.Err() != nil {
				return
			}
			t()
		}

		select {
		case <-u.queue.wake:
		case <-u.ctx.Done():
			return
		}
	}
}

// do runs fn on the worker and waits for it to return.
func (u *Unit) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	u.queue.push(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-u.ctx.Done():
		return ErrUnitClosed
	}
}

// Handle queues evt for processing after every event handed in before it.
func (u *Unit) Handle(evt Event) {
	u.queue.push(func() { u.dispatch(evt) })
}

// Initialize enables the protocol domains the unit depends on and detects
// the main frame. It is a no-op once it has succeeded. Domain enable
// failures are logged; a detection failure is returned as *DetectionError.
func (u *Unit) Initialize(ctx context.Context) error {
	var err error
	if derr := u.do(ctx, func() { err = u.initialize(ctx) }); derr != nil {
		return derr
	}
	return err
}

// DetectMainFrame queries the frame tree and records its root as the main
// frame, creating a client for it if needed.
func (u *Unit) DetectMainFrame(ctx context.Context) error {
	var err error
	if derr := u.do(ctx, func() { err = u.detectMainFrame(ctx) }); derr != nil {
		return derr
	}
	return err
}

// Client returns the client of frameID, or of the main frame when frameID
// is empty. It returns nil without error when no client matches.
func (u *Unit) Client(ctx context.Context, frameID string) (*Client, error) {
	var (
		c   *Client
		err error
	)
	if derr := u.do(ctx, func() { c, err = u.client(ctx, frameID) }); derr != nil {
		return nil, derr
	}
	return c, err
}

// Clients returns a snapshot of every client, main frame first.
func (u *Unit) Clients(ctx context.Context) ([]ClientInfo, error) {
	var infos []ClientInfo
	err := u.do(ctx, func() {
		infos = make([]ClientInfo, 0, len(u.clients))
		for _, c := range u.clients {
			infos = append(infos, c.Info())
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].IsMainFrame != infos[j].IsMainFrame {
			return infos[i].IsMainFrame
		}
		return infos[i].FrameID < infos[j].FrameID
	})

	return infos, nil
}

// MainFrameID returns the detected main frame id, or "".
func (u *Unit) MainFrameID(ctx context.Context) (string, error) {
	var id string
	err := u.do(ctx, func() { id = u.mainFrameID })
	return id, err
}

// Cleanup stops the worker and forgets every client. Transport-level attach
// state is left to the caller. The unit is unusable afterwards.
func (u *Unit) Cleanup() {
	u.cancel()
	<-u.workerDone

	u.clients = make(map[string]*Client)
	u.mainFrameID = ""
	u.initialized = false
	u.logger.Debugf("Unit:Cleanup", "unit:%d", u.id)
}

// close stops the worker without waiting for it.
func (u *Unit) close() {
	u.cancel()
}

func (u *Unit) topExecutor() addrExecutor {
	return addrExecutor{transport: u.transport, addr: cdp.Address{UnitID: u.id}}
}

func (u *Unit) initialize(ctx context.Context) error {
	if u.initialized {
		return nil
	}

	u.enableDomains(ctx, u.topExecutor())
	if err := u.detectMainFrame(ctx); err != nil {
		return err
	}
	u.initialized = true
	u.logger.Debugf("Unit:initialize", "unit:%d main:%s", u.id, u.mainFrameID)

	return nil
}

// enableDomains is best-effort: a failing domain is logged and the
// remaining ones are still enabled.
func (u *Unit) enableDomains(ctx context.Context, exec addrExecutor) {
	if err := domains.NewRuntime(exec).Enable(ctx); err != nil {
		u.logger.Warnf("Unit:enableDomains", "unit:%d addr:%v err:%v", u.id, exec.addr, err)
	}
	if err := domains.NewPage(exec).Enable(ctx); err != nil {
		u.logger.Warnf("Unit:enableDomains", "unit:%d addr:%v err:%v", u.id, exec.addr, err)
	}
	err := domains.NewTarget(exec).SetAutoAttach(ctx,
		true, u.opts.WaitForDebuggerOnStart, true, domains.FrameTargetsFilter())
	if err != nil {
		u.logger.Warnf("Unit:enableDomains", "unit:%d addr:%v err:%v", u.id, exec.addr, err)
	}
}

func (u *Unit) detectMainFrame(ctx context.Context) error {
	tree, err := domains.NewPage(u.topExecutor()).GetFrameTree(ctx)
	if err != nil {
		return &DetectionError{UnitID: u.id, Err: err}
	}

	fid := string(tree.Frame.ID)
	u.mainFrameID = fid
	if c, ok := u.clients[fid]; ok {
		c.SetMainFrame(true)
		return nil
	}

	c := u.newClient(fid, "", null.Int{})
	c.SetMainFrame(true)
	u.clients[fid] = c
	u.logger.Debugf("Unit:detectMainFrame", "unit:%d fid:%s", u.id, fid)
	c.InjectFrameID(ctx)

	return nil
}

func (u *Unit) client(ctx context.Context, frameID string) (*Client, error) {
	if u.mainFrameID == "" {
		if err := u.detectMainFrame(ctx); err != nil {
			return nil, err
		}
	}

	fid := frameID
	if fid == "" {
		fid = u.mainFrameID
	}
	c, ok := u.clients[fid]
	if !ok && fid == u.mainFrameID {
		// swept by a contexts cleared event, the main frame may have
		// navigated to a new frame id too.
		if err := u.detectMainFrame(ctx); err != nil {
			return nil, err
		}
		if frameID == "" {
			fid = u.mainFrameID
		}
		c, ok = u.clients[fid]
	}
	if !ok {
		return nil, nil
	}
	if fid == u.mainFrameID && !c.IsMainFrame() {
		c.SetMainFrame(true)
	}

	return c, nil
}

func (u *Unit) newClient(frameID, sessionID string, executionContextID null.Int) *Client {
	addr := cdp.Address{UnitID: u.id, SessionID: sessionID}
	return newClient(frameID, addr, executionContextID, u.transport, u.opts, u.logger)
}

func (u *Unit) dispatch(evt Event) {
	switch ev := evt.(type) {
	case ContextCreated:
		u.onContextCreated(ev)
	case ContextDestroyed:
		u.onContextDestroyed(ev)
	case ContextsCleared:
		u.onContextsCleared(ev)
	case TargetAttached:
		u.onTargetAttached(ev)
	case TargetDetached:
		u.onTargetDetached(ev)
	case FrameNavigated:
		u.onFrameNavigated(ev)
	case Ignored:
	default:
		u.logger.Warnf("Unit:dispatch", "unit:%d unexpected event %T", u.id, evt)
	}
}

func (u *Unit) onContextCreated(ev ContextCreated) {
	if !ev.IsDefault || u.opts.isBlockedOrigin(ev.Origin) {
		u.logger.Tracef("Unit:onContextCreated", "unit:%d ecid:%d origin:%q default:%t skipped",
			u.id, ev.ContextID, ev.Origin, ev.IsDefault)
		return
	}
	if ev.FrameID == "" {
		u.logger.Debugf("Unit:onContextCreated", "unit:%d ecid:%d without frame id", u.id, ev.ContextID)
		return
	}

	existing, ok := u.clients[ev.FrameID]

	if ev.SessionID != "" {
		if ok && existing.addr.SessionID == ev.SessionID {
			return
		}
		c := u.newClient(ev.FrameID, ev.SessionID, null.IntFrom(ev.ContextID))
		u.clients[ev.FrameID] = c
		u.logger.Debugf("Unit:onContextCreated", "unit:%d fid:%s sid:%s ecid:%d oopif",
			u.id, ev.FrameID, ev.SessionID, ev.ContextID)
		c.InjectFrameID(u.ctx)
		return
	}

	if ok {
		if !existing.ExecutionContextID().Valid && !existing.IsMainFrame() && existing.addr.SessionID == "" {
			existing.UpdateExecutionContext(ev.ContextID)
			u.logger.Debugf("Unit:onContextCreated", "unit:%d fid:%s ecid:%d updated",
				u.id, ev.FrameID, ev.ContextID)
		}
		return
	}

	c := u.newClient(ev.FrameID, "", null.IntFrom(ev.ContextID))
	u.clients[ev.FrameID] = c
	u.logger.Debugf("Unit:onContextCreated", "unit:%d fid:%s ecid:%d same process",
		u.id, ev.FrameID, ev.ContextID)
	c.InjectFrameID(u.ctx)
}

// onContextDestroyed removes the client owning the context. Context ids are
// only unique per session, so the match is scoped to the event's session.
func (u *Unit) onContextDestroyed(ev ContextDestroyed) {
	for fid, c := range u.clients {
		ecid := c.ExecutionContextID()
		if !ecid.Valid || ecid.Int64 != ev.ContextID || c.addr.SessionID != ev.SessionID {
			continue
		}
		delete(u.clients, fid)
		u.logger.Debugf("Unit:onContextDestroyed", "unit:%d fid:%s ecid:%d removed", u.id, fid, ev.ContextID)
		return
	}
}

// onContextsCleared drops every same-process client. Clients behind a child
// session survive a reload of their parent.
func (u *Unit) onContextsCleared(ev ContextsCleared) {
	for fid, c := range u.clients {
		if c.addr.SessionID == "" {
			delete(u.clients, fid)
		}
	}
	u.logger.Debugf("Unit:onContextsCleared", "unit:%d sid:%q remaining:%d", u.id, ev.SessionID, len(u.clients))
}

func (u *Unit) onTargetAttached(ev TargetAttached) {
	if ev.TargetType != "iframe" {
		u.logger.Tracef("Unit:onTargetAttached", "unit:%d tid:%s type:%q skipped", u.id, ev.TargetID, ev.TargetType)
		if ev.WaitingForDebugger {
			// auto-attach paused it, nothing else will resume it.
			exec := addrExecutor{transport: u.transport, addr: cdp.Address{UnitID: u.id, SessionID: ev.SessionID}}
			if err := domains.NewRuntime(exec).RunIfWaitingForDebugger(u.ctx); err != nil {
				u.logger.Warnf("Unit:onTargetAttached", "unit:%d tid:%s resuming: %v", u.id, ev.TargetID, err)
			}
		}
		return
	}
	if c, ok := u.clients[ev.TargetID]; ok && c.addr.SessionID == ev.SessionID {
		return
	}

	c := u.newClient(ev.TargetID, ev.SessionID, null.Int{})
	u.clients[ev.TargetID] = c
	u.logger.Debugf("Unit:onTargetAttached", "unit:%d fid:%s sid:%s url:%q",
		u.id, ev.TargetID, ev.SessionID, ev.URL)

	if ev.WaitingForDebugger {
		if err := domains.NewRuntime(c.exec).RunIfWaitingForDebugger(u.ctx); err != nil {
			u.logger.Warnf("Unit:onTargetAttached", "unit:%d fid:%s resuming: %v", u.id, ev.TargetID, err)
		}
	}
	// nested iframes of the child are only discovered with its own
	// auto-attach.
	u.enableDomains(u.ctx, c.exec)
	c.InjectFrameID(u.ctx)
}

// onTargetDetached removes the clients reached through the detached session.
func (u *Unit) onTargetDetached(ev TargetDetached) {
	if ev.SessionID == "" {
		return
	}
	for fid, c := range u.clients {
		if c.addr.SessionID == ev.SessionID {
			delete(u.clients, fid)
			u.logger.Debugf("Unit:onTargetDetached", "unit:%d fid:%s sid:%s removed", u.id, fid, ev.SessionID)
		}
	}
}

// onFrameNavigated does not touch the registry, stale clients are retired
// by onContextsCleared.
func (u *Unit) onFrameNavigated(ev FrameNavigated) {
	u.logger.Debugf("Unit:onFrameNavigated", "unit:%d fid:%s parent:%q url:%q",
		u.id, ev.FrameID, ev.ParentID, ev.URL)
}
