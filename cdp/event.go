package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

// Address locates a command channel: a unit's top-level session when
// SessionID is empty, otherwise the flattened child session SessionID.
type Address struct {
	UnitID    int64
	SessionID string
}

func (a Address) String() string {
	if a.SessionID == "" {
		return fmt.Sprintf("unit:%d", a.UnitID)
	}
	return fmt.Sprintf("unit:%d/session:%s", a.UnitID, a.SessionID)
}

// Event is an inbound CDP event tagged with the address it arrived on.
//
// An Event with Detached set reports that the browser detached the unit
// of Source; it has no Method or Params. It is queued behind every event
// received before the detach.
type Event struct {
	Source   Address
	Method   cdproto.MethodType
	Params   easyjson.RawMessage
	Detached bool
}

// eventQueue is an unbounded FIFO between the receive loop and the
// consumer of Client.Events. The receive loop must never block on a slow
// consumer, otherwise command replies queued behind events would stall.
type eventQueue struct {
	ctx context.Context

	mu    sync.Mutex
	items []*Event
	wake  chan struct{}

	out chan *Event
}

func newEventQueue(ctx context.Context) *eventQueue {
	q := &eventQueue{
		ctx:  ctx,
		wake: make(chan struct{}, 1),
		out:  make(chan *Event),
	}
	go q.loop()
	return q
}

func (q *eventQueue) push(evt *Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) loop() {
	defer close(q.out)
	for {
		q.mu.Lock()
		var batch []*Event
		batch, q.items = q.items, nil
		q.mu.Unlock()

		for _, evt := range batch {
			select {
			case q.out <- evt:
			case <-q.ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return
		}
	}
}
