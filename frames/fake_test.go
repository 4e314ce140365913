package frames

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/log"
)

const (
	frameTreeF1 = `{"frameTree":{"frame":{"id":"F1","loaderId":"L1","url":"https://example.com/",` +
		`"domainAndRegistry":"example.com","securityOrigin":"https://example.com","mimeType":"text/html"}}}`
	evalUndefined = `{"result":{"type":"undefined"}}`
)

var errBrowserGone = errors.New("browser gone")

type sentCommand struct {
	addr   cdp.Address
	method string
	params string
}

// fakeTransport answers every command with a canned reply.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentCommand
	replies  map[string]string
	failures map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies: map[string]string{
			"Page.getFrameTree": frameTreeF1,
			"Runtime.evaluate":  evalUndefined,
		},
		failures: make(map[string]error),
	}
}

func (f *fakeTransport) reply(method, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = result
}

func (f *fakeTransport) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

func (f *fakeTransport) Send(
	_ context.Context, addr cdp.Address, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var p []byte
	if params != nil {
		var err error
		if p, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{addr: addr, method: method, params: string(p)})
	err := f.failures[method]
	reply, ok := f.replies[method]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		reply = "{}"
	}
	if res != nil {
		return easyjson.Unmarshal([]byte(reply), res)
	}

	return nil
}

// commands returns the commands sent with method, or all of them.
func (f *fakeTransport) commands(method string) []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmds []sentCommand
	for _, c := range f.sent {
		if method == "" || c.method == method {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := newFakeTransport()
	return NewManager(ctx, tr, log.NewNullLogger(), nil), tr
}

func newTestUnit(t *testing.T, id int64) (*Unit, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport()
	u := NewUnit(context.Background(), id, tr, nil, log.NewNullLogger())
	t.Cleanup(u.Cleanup)

	return u, tr
}

func rawEvent(unitID int64, sessionID string, method cdproto.MethodType, params string) *cdp.Event {
	evt := &cdp.Event{
		Source: cdp.Address{UnitID: unitID, SessionID: sessionID},
		Method: method,
	}
	if params != "" {
		evt.Params = easyjson.RawMessage(params)
	}
	return evt
}

func contextCreatedParams(id int, frameID, origin string, isDefault bool) string {
	def := "false"
	if isDefault {
		def = "true"
	}
	return `{"context":{"id":` + strconv.Itoa(id) + `,"origin":"` + origin + `","name":"","uniqueId":"u` + strconv.Itoa(id) +
		`","auxData":{"frameId":"` + frameID + `","isDefault":` + def + `,"type":"default"}}}`
}

func contextDestroyedParams(id int) string {
	return `{"executionContextId":` + strconv.Itoa(id) + `}`
}

func attachedParams(sessionID, targetID, targetType string, waiting bool) string {
	w := "false"
	if waiting {
		w = "true"
	}
	return `{"sessionId":"` + sessionID + `","targetInfo":{"targetId":"` + targetID + `","type":"` + targetType +
		`","title":"","url":"https://other.example/","attached":true,"canAccessOpener":false},"waitingForDebugger":` +
		w + `}`
}

func detachedParams(sessionID string) string {
	return `{"sessionId":"` + sessionID + `"}`
}
