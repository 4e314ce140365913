// Command cdpframes lists, watches and drives the frames of browser tabs
// over the Chrome DevTools Protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cdpframes/cdp"
	"github.com/grafana/cdpframes/config"
	"github.com/grafana/cdpframes/env"
	"github.com/grafana/cdpframes/frames"
	"github.com/grafana/cdpframes/log"
)

var errNoDevToolsURL = errors.New("no DevTools URL: use --ws or " + env.DevToolsURL)

// app carries what every subcommand needs once the root flags are parsed.
type app struct {
	lookup env.LookupFunc
	stdout io.Writer
	stderr io.Writer

	configPath string
	wsURL      string
	logLevel   string
	logFilter  string

	cfg    *config.Config
	logger *log.Logger
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cdpframes",
		Short:         "Track the frames of browser tabs and route CDP commands to them",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file (default: $HOME/.cdpframes/config.toml)")
	pf.StringVar(&a.wsURL, "ws", "", "browser DevTools websocket URL")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn or error")
	pf.StringVar(&a.logFilter, "log-filter", "", "only log categories matching this regexp")

	root.AddCommand(
		newUnitsCmd(a),
		newWatchCmd(a),
		newExecCmd(a),
		newEvalCmd(a),
	)

	return root
}

// setup loads the configuration, lets flags that were set override it and
// builds the logger.
func (a *app) setup(flags *pflag.FlagSet) error {
	path := a.configPath
	if path == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	cfg, err := config.Load(path, a.lookup)
	if err != nil {
		return err
	}
	if flags.Changed("ws") {
		cfg.DevToolsURL = a.wsURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-filter") {
		cfg.Log.CategoryFilter = a.logFilter
	}
	applyWatchFlags(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg := logrus.New()
	lg.SetOutput(a.stderr)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	a.logger = log.New(lg, nil)
	if err := a.logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := a.logger.SetCategoryFilter(cfg.Log.CategoryFilter); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger.Debugf("cdpframes:setup", "config:%q devtools:%q", path, cfg.DevToolsURL)

	return nil
}

// connect opens a CDP connection to the configured browser.
func (a *app) connect(ctx context.Context) (*cdp.Client, error) {
	if a.cfg.DevToolsURL == "" {
		return nil, errNoDevToolsURL
	}
	c := cdp.NewClient(ctx, a.logger)
	if err := c.Connect(a.cfg.DevToolsURL); err != nil {
		return nil, err
	}

	return c, nil
}

// session is a connection with a frame manager tracking some of its units.
type session struct {
	client  *cdp.Client
	manager *frames.Manager
	units   []int64
	logger  *log.Logger
}

// openSession connects, attaches the given units (every page when ids is
// empty) and starts feeding their events from src to a frame manager.
func (a *app) openSession(ctx context.Context, ids []int64, src func(*cdp.Client) frames.EventSource) (*session, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{
		client:  client,
		manager: frames.NewManager(ctx, client, a.logger, a.cfg.Frames),
		logger:  a.logger,
	}

	units, err := client.Units(ctx)
	if err != nil {
		client.Disconnect()
		return nil, err
	}
	if len(ids) == 0 {
		for _, u := range units {
			ids = append(ids, u.ID)
		}
	}

	var es frames.EventSource = client
	if src != nil {
		es = src(client)
	}
	go func() {
		if err := s.manager.Listen(ctx, es); err != nil {
			a.logger.Debugf("cdpframes:Listen", "err:%v", err)
		}
	}()

	for _, id := range ids {
		if err := client.AttachUnit(ctx, id); err != nil {
			s.close()
			return nil, err
		}
		s.units = append(s.units, id)
		if err := s.manager.Attach(ctx, id); err != nil {
			s.close()
			return nil, err
		}
	}

	return s, nil
}

// close detaches every unit the session attached and disconnects.
func (s *session) close() {
	ctx := context.Background()
	for _, id := range s.units {
		s.manager.Detach(id)
		if err := s.client.DetachUnit(ctx, id); err != nil {
			s.logger.Debugf("cdpframes:close", "unit:%d err:%v", id, err)
		}
	}
	s.client.Disconnect()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{lookup: env.Lookup, stdout: os.Stdout, stderr: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error:"), err)
		os.Exit(1)
	}
}
