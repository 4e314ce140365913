package event

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpframes/cdp"
)

type fakeSource struct {
	events chan *cdp.Event
}

func (s *fakeSource) Events() <-chan *cdp.Event { return s.events }

func TestWatcher(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{events: make(chan *cdp.Event, 4)}
	w := NewWatcher(ctx)
	created := w.Subscribe(4, cdproto.EventRuntimeExecutionContextCreated)
	all := w.Subscribe(4)
	go w.Run(src)

	evts := []*cdp.Event{
		{Source: cdp.Address{UnitID: 1}, Method: cdproto.EventRuntimeExecutionContextCreated},
		{Source: cdp.Address{UnitID: 1, SessionID: "S1"}, Method: cdproto.EventTargetDetachedFromTarget},
		{Source: cdp.Address{UnitID: 7}, Detached: true},
	}
	for _, e := range evts {
		src.events <- e
	}

	for _, want := range evts {
		select {
		case got := <-w.Events():
			assert.Same(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("event was not forwarded")
		}
	}

	require.Len(t, created, 1)
	assert.Same(t, evts[0], <-created)
	require.Len(t, all, 3)
	<-all
	<-all
	assert.True(t, (<-all).Detached)

	close(src.events)
	_, ok := <-w.Events()
	assert.False(t, ok)
}

func TestWatcherSlowSubscriber(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{events: make(chan *cdp.Event, 3)}
	w := NewWatcher(ctx)
	sub := w.Subscribe(1)
	go w.Run(src)

	for i := 0; i < 3; i++ {
		src.events <- &cdp.Event{Method: cdproto.EventPageFrameNavigated}
	}
	for i := 0; i < 3; i++ {
		<-w.Events()
	}

	assert.Len(t, sub, 1)
}
