package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/tidwall/pretty"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/cdp/domains"
	"github.com/grafana/cdpframes/frames"
)

var (
	errorColor    = color.New(color.FgRed, color.Bold)
	headerColor   = color.New(color.Bold)
	attachedColor = color.New(color.FgGreen)
	unitColor     = color.New(color.FgYellow)

	kindColors = map[frames.Kind]*color.Color{ //nolint:gochecknoglobals
		frames.KindMain:              color.New(color.FgCyan, color.Bold),
		frames.KindOOPIF:             color.New(color.FgMagenta),
		frames.KindSameProcessIframe: color.New(color.FgBlue),
	}
)

// lockedWriter serializes writes from the event printer and the reporter.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printBrowser(w io.Writer, v *domains.Version) {
	fmt.Fprintf(w, "%s %s (protocol %s)\n\n", headerColor.Sprint("Browser:"), v.Product, v.Protocol)
}

func printUnits(w io.Writer, units []cdp.UnitInfo) error {
	tw := newTable(w)
	fmt.Fprintln(tw, headerColor.Sprint("UNIT\tATTACHED\tTITLE\tURL"))
	for _, u := range units {
		attached := "no"
		if u.Attached {
			attached = attachedColor.Sprint("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", unitColor.Sprint(u.ID), attached, u.Title, u.URL)
	}

	return tw.Flush()
}

func printClients(w io.Writer, unitID int64, clients []frames.ClientInfo) error {
	tw := newTable(w)
	fmt.Fprintln(tw, headerColor.Sprint("UNIT\tFRAME\tKIND\tSESSION\tCONTEXT"))
	for _, c := range clients {
		kind := string(c.Kind)
		if kc, ok := kindColors[c.Kind]; ok {
			kind = kc.Sprint(kind)
		}
		session, ecid := "-", "-"
		if c.SessionID != "" {
			session = c.SessionID
		}
		if c.ExecutionContextID.Valid {
			ecid = strconv.FormatInt(c.ExecutionContextID.Int64, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", unitColor.Sprint(unitID), c.FrameID, kind, session, ecid)
	}

	return tw.Flush()
}

func printEvent(w io.Writer, evt *cdp.Event) {
	if evt.Detached {
		fmt.Fprintf(w, "%s %s\n", unitColor.Sprint(evt.Source), errorColor.Sprint("detached"))
		return
	}
	fmt.Fprintf(w, "%s %s %s", unitColor.Sprint(evt.Source), headerColor.Sprint(evt.Method), prettyJSON(evt.Params))
}

// prettyJSON indents raw JSON, colorized unless colors are disabled.
func prettyJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}\n")
	}
	b := pretty.Pretty(raw)
	if color.NoColor {
		return b
	}
	return pretty.Color(b, nil)
}
