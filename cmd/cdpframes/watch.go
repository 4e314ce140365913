package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/cdp/event"
	"github.com/grafana/cdpframes/config"
	"github.com/grafana/cdpframes/frames"
	"github.com/grafana/cdpframes/storage"
)

const eventSubscriptionBuffer = 256

type watchFlags struct {
	units    []int64
	events   []string
	once     bool
	interval time.Duration
	snapshot string
}

func newWatchCmd(a *app) *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to pages and keep printing their frames",
		Long: "Attach to the given units, or to every page, and print their frame\n" +
			"registry on every interval until interrupted. With --snapshot the\n" +
			"registry is also written to a JSON file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}

	fl := cmd.Flags()
	fl.Int64SliceVar(&f.units, "unit", nil, "unit id to attach to, repeatable (default: every page)")
	fl.StringSliceVar(&f.events, "events", nil, "print CDP events, all of them or those with the given methods")
	fl.Lookup("events").NoOptDefVal = "*"
	fl.BoolVar(&f.once, "once", false, "print the frames once and exit")
	fl.DurationVar(&f.interval, "interval", config.DefaultWatchInterval, "how often to print and snapshot the frames")
	fl.StringVar(&f.snapshot, "snapshot", "", "path of the JSON snapshot file")

	return cmd
}

// applyWatchFlags lets the watch flags that were set override cfg.
func applyWatchFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("interval") {
		if d, err := flags.GetDuration("interval"); err == nil {
			cfg.Watch.Interval = d
		}
	}
	if flags.Changed("snapshot") {
		if p, err := flags.GetString("snapshot"); err == nil {
			cfg.Watch.SnapshotPath = p
		}
	}
}

func (a *app) watch(ctx context.Context, out io.Writer, f watchFlags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out = &lockedWriter{w: out}
	w := event.NewWatcher(ctx)
	if len(f.events) > 0 {
		var methods []cdproto.MethodType
		for _, m := range f.events {
			if m != "*" {
				methods = append(methods, cdproto.MethodType(m))
			}
		}
		go printEvents(ctx, out, w.Subscribe(eventSubscriptionBuffer, methods...))
	}

	s, err := a.openSession(ctx, f.units, func(c *cdp.Client) frames.EventSource {
		go w.Run(c)
		return w
	})
	if err != nil {
		return err
	}
	defer s.close()

	if f.once {
		return a.report(ctx, out, s.manager)
	}

	ticker := time.NewTicker(a.cfg.Watch.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.report(ctx, out, s.manager); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// report prints the frames of every tracked unit and persists a snapshot
// if a snapshot path is configured.
func (a *app) report(ctx context.Context, out io.Writer, m *frames.Manager) error {
	snap, err := storage.TakeSnapshot(ctx, m, time.Now())
	if err != nil {
		return err
	}
	for _, u := range snap.Units {
		if err := printClients(out, u.ID, u.Frames); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)

	if a.cfg.Watch.SnapshotPath == "" {
		return nil
	}
	err = storage.PersistSnapshot(ctx, &storage.LocalFilePersister{}, a.cfg.Watch.SnapshotPath, snap)
	if err != nil {
		a.logger.Warnf("cdpframes:report", "path:%q err:%v", a.cfg.Watch.SnapshotPath, err)
	}

	return nil
}

func printEvents(ctx context.Context, out io.Writer, events <-chan *cdp.Event) {
	for {
		select {
		case evt := <-events:
			printEvent(out, evt)
		case <-ctx.Done():
			return
		}
	}
}
