// Package event fans the CDP event feed out to method subscribers while
// passing every event on, in order, to the main consumer.
package event

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"

	"github.com/grafana/cdpframes/cdp"
)

// Source is the inbound feed a Watcher consumes.
type Source interface {
	Events() <-chan *cdp.Event
}

// Watcher forwards a Source unchanged through Events, and copies events to
// subscribers of their method. Unit detach events only reach subscribers
// of every method. Subscribers that fall behind miss events; the forwarded
// feed never does.
type Watcher struct {
	ctx context.Context

	subsMu sync.RWMutex
	subs   map[cdproto.MethodType][]chan *cdp.Event
	all    []chan *cdp.Event

	out chan *cdp.Event
}

// NewWatcher returns a Watcher that stops when ctx is done.
func NewWatcher(ctx context.Context) *Watcher {
	return &Watcher{
		ctx:  ctx,
		subs: make(map[cdproto.MethodType][]chan *cdp.Event),
		out:  make(chan *cdp.Event),
	}
}

// Subscribe returns a channel receiving events of the given methods, or of
// every method if none are given.
func (w *Watcher) Subscribe(buffer int, methods ...cdproto.MethodType) <-chan *cdp.Event {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	ch := make(chan *cdp.Event, buffer)
	if len(methods) == 0 {
		w.all = append(w.all, ch)
		return ch
	}
	for _, m := range methods {
		w.subs[m] = append(w.subs[m], ch)
	}

	return ch
}

// Events returns the forwarded event feed.
func (w *Watcher) Events() <-chan *cdp.Event { return w.out }

// Run consumes src until ctx is done or src's event feed is closed.
// Events is closed when it returns.
func (w *Watcher) Run(src Source) {
	defer close(w.out)

	events := src.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.onEventReceived(evt)
			select {
			case w.out <- evt:
			case <-w.ctx.Done():
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) onEventReceived(evt *cdp.Event) {
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	if !evt.Detached {
		for _, ch := range w.subs[evt.Method] {
			w.notify(ch, evt)
		}
	}
	for _, ch := range w.all {
		w.notify(ch, evt)
	}
}

func (w *Watcher) notify(ch chan *cdp.Event, evt *cdp.Event) {
	select {
	case ch <- evt:
	case <-w.ctx.Done():
	default:
	}
}
