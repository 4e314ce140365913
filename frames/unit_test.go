package frames

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpframes/cdp"
)

func handleRaw(t *testing.T, u *Unit, evt *cdp.Event) {
	t.Helper()

	ev, err := DecodeEvent(evt)
	require.NoError(t, err)
	u.Handle(ev)
}

func clientsOf(t *testing.T, u *Unit) []ClientInfo {
	t.Helper()

	infos, err := u.Clients(context.Background())
	require.NoError(t, err)
	return infos
}

func frameIDs(infos []ClientInfo) []string {
	ids := make([]string, 0, len(infos))
	for _, c := range infos {
		ids = append(ids, c.FrameID)
	}
	return ids
}

func TestUnitContextCreatedFiltering(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		origin    string
		isDefault bool
		wantAdded bool
	}{
		{name: "web_origin", origin: "https://example.com", isDefault: true, wantAdded: true},
		{name: "opaque_origin", origin: "", isDefault: true, wantAdded: true},
		{name: "isolated_world", origin: "https://example.com", isDefault: false},
		{name: "extension", origin: "chrome-extension://abcdef", isDefault: true},
		{name: "browser_internal", origin: "chrome://settings", isDefault: true},
		{name: "devtools", origin: "devtools://devtools", isDefault: true},
		{name: "untrusted", origin: "chrome-untrusted://print", isDefault: true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			u, _ := newTestUnit(t, 1)
			handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
				contextCreatedParams(4, "F2", tc.origin, tc.isDefault)))

			if tc.wantAdded {
				assert.Equal(t, []string{"F2"}, frameIDs(clientsOf(t, u)))
			} else {
				assert.Empty(t, clientsOf(t, u))
			}
		})
	}
}

func TestUnitBlockedOriginOption(t *testing.T) {
	t.Parallel()

	opts := NewOptions()
	opts.BlockedOriginPrefixes = []string{"https://ads."}
	u := NewUnit(context.Background(), 1, newFakeTransport(), opts, nil)
	t.Cleanup(u.Cleanup)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(4, "F2", "https://ads.example.com", true)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(5, "F3", "https://example.com", true)))

	assert.Equal(t, []string{"F3"}, frameIDs(clientsOf(t, u)))
}

func TestUnitContextCreatedSameProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, tr := newTestUnit(t, 1)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(4, "F2", "https://example.com", true)))
	// a later context for a frame with a known context is not adopted.
	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(9, "F2", "https://example.com", true)))

	c, err := u.Client(ctx, "F2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.EqualValues(t, 4, c.ExecutionContextID().Int64)
	assert.Equal(t, KindSameProcessIframe, c.Kind())

	// the frame id is installed in the frame's own context.
	evals := tr.commands("Runtime.evaluate")
	require.NotEmpty(t, evals)
	var injected bool
	for _, e := range evals {
		p := gjson.Parse(e.params)
		if p.Get("contextId").Int() == 4 {
			injected = true
			assert.Equal(t, `window["__cdpFrameId"] = "F2";`, p.Get("expression").String())
		}
	}
	assert.True(t, injected)
}

func TestUnitContextCreatedUpdatesPendingClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, _ := newTestUnit(t, 1)

	// a same-process client created before its context was known.
	require.NoError(t, u.do(ctx, func() {
		u.clients["F2"] = u.newClient("F2", "", null.Int{})
	}))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(8, "F2", "https://example.com", true)))

	infos := clientsOf(t, u)
	require.Len(t, infos, 1)
	assert.EqualValues(t, 8, infos[0].ExecutionContextID.Int64)
}

func TestUnitContextCreatedMainFrameKeepsNoContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, _ := newTestUnit(t, 1)
	require.NoError(t, u.Initialize(ctx))

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(2, "F1", "https://example.com", true)))

	infos := clientsOf(t, u)
	require.Len(t, infos, 1)
	assert.Equal(t, KindMain, infos[0].Kind)
	assert.False(t, infos[0].ExecutionContextID.Valid)
}

func TestUnitContextCreatedOnChildSession(t *testing.T) {
	t.Parallel()

	u, tr := newTestUnit(t, 1)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", false)))
	before := len(tr.commands("Runtime.evaluate"))

	// duplicate notification for the same session.
	handleRaw(t, u, rawEvent(1, "S1", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(1, "F3", "https://other.example", true)))
	infos := clientsOf(t, u)
	require.Len(t, infos, 1)
	assert.Equal(t, ClientInfo{FrameID: "F3", Kind: KindOOPIF, SessionID: "S1"}, infos[0])
	assert.Len(t, tr.commands("Runtime.evaluate"), before)

	// the same frame reappearing on another session replaces the client.
	handleRaw(t, u, rawEvent(1, "S2", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(1, "F3", "https://other.example", true)))
	infos = clientsOf(t, u)
	require.Len(t, infos, 1)
	assert.Equal(t, "S2", infos[0].SessionID)
	assert.EqualValues(t, 1, infos[0].ExecutionContextID.Int64)
	assert.Equal(t, KindOOPIF, infos[0].Kind)
}

func TestUnitContextDestroyed(t *testing.T) {
	t.Parallel()

	u, _ := newTestUnit(t, 1)

	for i := 0; i < 3; i++ {
		handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
			contextCreatedParams(4, "F2", "https://example.com", true)))
		handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
			contextCreatedParams(4, "F2", "https://example.com", true)))

		withContext := 0
		for _, c := range clientsOf(t, u) {
			if c.ExecutionContextID.Valid && c.ExecutionContextID.Int64 == 4 {
				withContext++
			}
		}
		assert.Equal(t, 1, withContext)

		handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextDestroyed, contextDestroyedParams(4)))
		assert.Empty(t, clientsOf(t, u))
	}
}

func TestUnitContextDestroyedIsScopedToSession(t *testing.T) {
	t.Parallel()

	u, _ := newTestUnit(t, 1)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(1, "F2", "https://example.com", true)))
	handleRaw(t, u, rawEvent(1, "S1", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(1, "F3", "https://other.example", true)))

	handleRaw(t, u, rawEvent(1, "S1", cdproto.EventRuntimeExecutionContextDestroyed, contextDestroyedParams(1)))
	assert.Equal(t, []string{"F2"}, frameIDs(clientsOf(t, u)))

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextDestroyed, contextDestroyedParams(1)))
	assert.Empty(t, clientsOf(t, u))
}

func TestUnitContextsCleared(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, _ := newTestUnit(t, 1)
	require.NoError(t, u.Initialize(ctx))

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(4, "F2", "https://example.com", true)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", false)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S2", "F4", "iframe", false)))
	require.Len(t, clientsOf(t, u), 4)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextsCleared, ""))

	infos := clientsOf(t, u)
	assert.Equal(t, []string{"F3", "F4"}, frameIDs(infos))
	for _, c := range infos {
		assert.NotEmpty(t, c.SessionID)
	}

	// the main frame is detected again on the next lookup.
	c, err := u.Client(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "F1", c.FrameID())
	assert.True(t, c.IsMainFrame())
}

func TestUnitTargetAttached(t *testing.T) {
	t.Parallel()

	u, tr := newTestUnit(t, 1)
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", true)))

	infos := clientsOf(t, u)
	assert.Equal(t, []ClientInfo{{FrameID: "F3", Kind: KindOOPIF, SessionID: "S1"}}, infos)

	child := cdp.Address{UnitID: 1, SessionID: "S1"}
	var methods []string
	for _, c := range tr.commands("") {
		if c.addr == child {
			methods = append(methods, c.method)
		}
	}
	assert.Equal(t, []string{
		"Runtime.runIfWaitingForDebugger",
		"Runtime.enable",
		"Page.enable",
		"Target.setAutoAttach",
		"Runtime.evaluate",
	}, methods)
}

func TestUnitTargetAttachedBestEffort(t *testing.T) {
	t.Parallel()

	u, tr := newTestUnit(t, 1)
	tr.fail("Runtime.runIfWaitingForDebugger", errBrowserGone)
	tr.fail("Page.enable", errBrowserGone)
	tr.fail("Runtime.evaluate", errBrowserGone)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", true)))

	assert.Equal(t, []string{"F3"}, frameIDs(clientsOf(t, u)))
	assert.Len(t, tr.commands("Target.setAutoAttach"), 1)
}

func TestUnitTargetAttachedIgnoresOtherTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"worker", "service_worker", "shared_worker", "browser", "tab", "page", "other"} {
		typ := typ
		t.Run(typ, func(t *testing.T) {
			t.Parallel()

			u, tr := newTestUnit(t, 1)
			handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "T1", typ, false)))

			assert.Empty(t, clientsOf(t, u))
			assert.Empty(t, tr.commands(""))
		})
	}
}

func TestUnitTargetAttachedResumesOtherTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"worker", "service_worker", "page", "other"} {
		typ := typ
		t.Run(typ, func(t *testing.T) {
			t.Parallel()

			u, tr := newTestUnit(t, 1)
			handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "T1", typ, true)))

			assert.Empty(t, clientsOf(t, u))
			cmds := tr.commands("")
			require.Len(t, cmds, 1)
			assert.Equal(t, "Runtime.runIfWaitingForDebugger", cmds[0].method)
			assert.Equal(t, cdp.Address{UnitID: 1, SessionID: "S1"}, cmds[0].addr)
		})
	}
}

func TestUnitTargetAttachedResumeFailureIsIgnored(t *testing.T) {
	t.Parallel()

	u, tr := newTestUnit(t, 1)
	tr.fail("Runtime.runIfWaitingForDebugger", errBrowserGone)
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "W1", "worker", true)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S2", "F3", "iframe", false)))

	assert.Equal(t, []string{"F3"}, frameIDs(clientsOf(t, u)))
}

func TestUnitTargetAttachedDuplicate(t *testing.T) {
	t.Parallel()

	u, tr := newTestUnit(t, 1)
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", false)))
	sent := len(tr.commands(""))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", false)))

	assert.Len(t, clientsOf(t, u), 1)
	assert.Len(t, tr.commands(""), sent)
}

func TestUnitTargetDetached(t *testing.T) {
	t.Parallel()

	u, _ := newTestUnit(t, 1)
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S1", "F3", "iframe", false)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetAttachedToTarget, attachedParams("S2", "F4", "iframe", false)))

	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetDetachedFromTarget, detachedParams("S9")))
	assert.Len(t, clientsOf(t, u), 2)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventTargetDetachedFromTarget, detachedParams("S1")))
	assert.Equal(t, []string{"F4"}, frameIDs(clientsOf(t, u)))
}

func TestUnitFrameNavigatedKeepsClients(t *testing.T) {
	t.Parallel()

	u, _ := newTestUnit(t, 1)
	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(4, "F2", "https://example.com", true)))
	handleRaw(t, u, rawEvent(1, "", cdproto.EventPageFrameNavigated,
		`{"frame":{"id":"F2","parentId":"F1","loaderId":"L2","url":"https://example.com/next",`+
			`"domainAndRegistry":"example.com","securityOrigin":"https://example.com","mimeType":"text/html"},"type":"Navigation"}`))

	assert.Equal(t, []string{"F2"}, frameIDs(clientsOf(t, u)))
}

func TestUnitDetectMainFrameIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, tr := newTestUnit(t, 1)

	require.NoError(t, u.DetectMainFrame(ctx))
	first := clientsOf(t, u)
	mainID, err := u.MainFrameID(ctx)
	require.NoError(t, err)

	require.NoError(t, u.DetectMainFrame(ctx))
	assert.Equal(t, first, clientsOf(t, u))
	second, err := u.MainFrameID(ctx)
	require.NoError(t, err)
	assert.Equal(t, mainID, second)
	assert.Equal(t, "F1", second)

	assert.Len(t, tr.commands("Page.getFrameTree"), 2)
	// only the first run creates and injects the main frame client.
	assert.Len(t, tr.commands("Runtime.evaluate"), 1)
}

func TestUnitDetectMainFrameMarksExistingClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u, _ := newTestUnit(t, 1)

	handleRaw(t, u, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(3, "F1", "https://example.com", true)))
	require.NoError(t, u.DetectMainFrame(ctx))

	infos := clientsOf(t, u)
	require.Len(t, infos, 1)
	assert.Equal(t, KindMain, infos[0].Kind)
	assert.True(t, infos[0].IsMainFrame)
}

func TestUnitClientLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("lazy_detection", func(t *testing.T) {
		t.Parallel()

		u, tr := newTestUnit(t, 1)
		c, err := u.Client(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "F1", c.FrameID())
		assert.Len(t, tr.commands("Page.getFrameTree"), 1)
	})
	t.Run("unknown_frame", func(t *testing.T) {
		t.Parallel()

		u, _ := newTestUnit(t, 1)
		c, err := u.Client(ctx, "F9")
		require.NoError(t, err)
		assert.Nil(t, c)
	})
	t.Run("reconciles_main_flag", func(t *testing.T) {
		t.Parallel()

		u, _ := newTestUnit(t, 1)
		require.NoError(t, u.Initialize(ctx))
		require.NoError(t, u.do(ctx, func() { u.clients["F1"].SetMainFrame(false) }))

		c, err := u.Client(ctx, "F1")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, c.IsMainFrame())
	})
	t.Run("detection_failure", func(t *testing.T) {
		t.Parallel()

		u, tr := newTestUnit(t, 1)
		tr.fail("Page.getFrameTree", errBrowserGone)
		_, err := u.Client(ctx, "")
		assert.ErrorIs(t, err, ErrDetection)
	})
}

func TestUnitCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newFakeTransport()
	u := NewUnit(ctx, 1, tr, nil, nil)
	require.NoError(t, u.Initialize(ctx))

	u.Cleanup()
	_, err := u.Clients(ctx)
	assert.ErrorIs(t, err, ErrUnitClosed)
	assert.ErrorIs(t, u.Initialize(ctx), ErrUnitClosed)

	// events after cleanup are dropped.
	u.Handle(ContextsCleared{})
	assert.Empty(t, u.clients)
	assert.Empty(t, u.mainFrameID)
	assert.False(t, u.initialized)
}

func TestUnitEventsForDifferentUnitsAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	u1, tr := newTestUnit(t, 1)
	u2 := NewUnit(ctx, 2, tr, nil, nil)
	t.Cleanup(u2.Cleanup)

	handleRaw(t, u1, rawEvent(1, "", cdproto.EventRuntimeExecutionContextCreated,
		contextCreatedParams(4, "F2", "https://example.com", true)))
	handleRaw(t, u2, rawEvent(2, "", cdproto.EventRuntimeExecutionContextsCleared, ""))

	assert.Len(t, clientsOf(t, u1), 1)
	assert.Empty(t, clientsOf(t, u2))
}
