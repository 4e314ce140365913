package frames

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	cdpp "github.com/chromedp/cdproto/page"
	cdpr "github.com/chromedp/cdproto/runtime"
	cdpt "github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/grafana/cdpframes/cdp"
)

// EventKind enumerates the events that drive a Unit.
type EventKind int

// Event kinds.
const (
	EventIgnored EventKind = iota
	EventContextCreated
	EventContextDestroyed
	EventContextsCleared
	EventTargetAttached
	EventTargetDetached
	EventFrameNavigated
)

func (k EventKind) String() string {
	switch k {
	case EventContextCreated:
		return "contextCreated"
	case EventContextDestroyed:
		return "contextDestroyed"
	case EventContextsCleared:
		return "contextsCleared"
	case EventTargetAttached:
		return "targetAttached"
	case EventTargetDetached:
		return "targetDetached"
	case EventFrameNavigated:
		return "frameNavigated"
	}
	return "ignored"
}

// Event is one of ContextCreated, ContextDestroyed, ContextsCleared,
// TargetAttached, TargetDetached, FrameNavigated or Ignored.
type Event interface {
	Kind() EventKind
}

// ContextCreated reports a new execution context.
// SessionID is the child session it arrived on, empty for the unit session.
type ContextCreated struct {
	ContextID int64
	Origin    string
	FrameID   string
	IsDefault bool
	SessionID string
}

// ContextDestroyed reports a destroyed execution context.
type ContextDestroyed struct {
	ContextID int64
	SessionID string
}

// ContextsCleared reports that all execution contexts were cleared,
// e.g. on navigation or reload.
type ContextsCleared struct {
	SessionID string
}

// TargetAttached reports an auto-attached child target.
type TargetAttached struct {
	SessionID          string
	TargetID           string
	TargetType         string
	URL                string
	WaitingForDebugger bool
}

// TargetDetached reports a detached child session.
type TargetDetached struct {
	SessionID string
}

// FrameNavigated reports a committed frame navigation.
type FrameNavigated struct {
	FrameID   string
	ParentID  string
	URL       string
	SessionID string
}

// Ignored is any event a Unit does not act upon.
type Ignored struct {
	Method cdproto.MethodType
}

func (ContextCreated) Kind() EventKind   { return EventContextCreated }
func (ContextDestroyed) Kind() EventKind { return EventContextDestroyed }
func (ContextsCleared) Kind() EventKind  { return EventContextsCleared }
func (TargetAttached) Kind() EventKind   { return EventTargetAttached }
func (TargetDetached) Kind() EventKind   { return EventTargetDetached }
func (FrameNavigated) Kind() EventKind   { return EventFrameNavigated }
func (Ignored) Kind() EventKind          { return EventIgnored }

// watchedNamespaces are the domains units enable.
var watchedNamespaces = []string{"Runtime.", "Page.", "Target."} //nolint:gochecknoglobals

func isWatched(method cdproto.MethodType) bool {
	for _, ns := range watchedNamespaces {
		if strings.HasPrefix(string(method), ns) {
			return true
		}
	}
	return false
}

// DecodeEvent turns a transport event into an Event.
func DecodeEvent(evt *cdp.Event) (Event, error) {
	switch evt.Method {
	case cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
		cdproto.EventTargetAttachedToTarget,
		cdproto.EventTargetDetachedFromTarget,
		cdproto.EventPageFrameNavigated:
	default:
		return Ignored{Method: evt.Method}, nil
	}

	params := evt.Params
	if len(params) == 0 {
		params = easyjson.RawMessage("{}")
	}
	data, err := cdproto.UnmarshalMessage(&cdproto.Message{
		Method: evt.Method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", evt.Method, err)
	}
	sid := evt.Source.SessionID

	switch ev := data.(type) {
	case *cdpr.EventExecutionContextCreated:
		if ev.Context == nil {
			return nil, fmt.Errorf("decoding %q: missing context", evt.Method)
		}
		aux := gjson.ParseBytes(ev.Context.AuxData)
		return ContextCreated{
			ContextID: int64(ev.Context.ID),
			Origin:    ev.Context.Origin,
			FrameID:   aux.Get("frameId").String(),
			IsDefault: aux.Get("isDefault").Bool(),
			SessionID: sid,
		}, nil
	case *cdpr.EventExecutionContextDestroyed:
		return ContextDestroyed{ContextID: int64(ev.ExecutionContextID), SessionID: sid}, nil
	case *cdpr.EventExecutionContextsCleared:
		return ContextsCleared{SessionID: sid}, nil
	case *cdpt.EventAttachedToTarget:
		if ev.TargetInfo == nil {
			return nil, fmt.Errorf("decoding %q: missing target info", evt.Method)
		}
		return TargetAttached{
			SessionID:          string(ev.SessionID),
			TargetID:           string(ev.TargetInfo.TargetID),
			TargetType:         ev.TargetInfo.Type,
			URL:                ev.TargetInfo.URL,
			WaitingForDebugger: ev.WaitingForDebugger,
		}, nil
	case *cdpt.EventDetachedFromTarget:
		return TargetDetached{SessionID: string(ev.SessionID)}, nil
	case *cdpp.EventFrameNavigated:
		if ev.Frame == nil {
			return nil, fmt.Errorf("decoding %q: missing frame", evt.Method)
		}
		return FrameNavigated{
			FrameID:   string(ev.Frame.ID),
			ParentID:  string(ev.Frame.ParentID),
			URL:       ev.Frame.URL,
			SessionID: sid,
		}, nil
	}

	return Ignored{Method: evt.Method}, nil
}
