package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailru/easyjson"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	errInvalidParams = errors.New("params must be a JSON object")
	errInvalidSet    = errors.New("--set must be PATH=VALUE")
)

type targetFlags struct {
	unit   int64
	frame  string
	settle time.Duration
}

func (f *targetFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.Int64Var(&f.unit, "unit", 0, "unit id of the page, see the units command")
	fl.StringVar(&f.frame, "frame", "", "frame id (default: the main frame)")
	fl.DurationVar(&f.settle, "settle", 300*time.Millisecond,
		"time given to the browser to report the page's frames before dispatching")
	_ = cmd.MarkFlagRequired("unit")
}

// withUnit attaches the flagged unit, waits for its frames to settle and
// runs fn with the session.
func (a *app) withUnit(ctx context.Context, f targetFlags, fn func(*session) error) error {
	s, err := a.openSession(ctx, []int64{f.unit}, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if f.settle > 0 {
		select {
		case <-time.After(f.settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fn(s)
}

// buildParams validates the positional params object and applies the --set
// assignments to it. VALUE is taken as JSON when it parses, as a string
// otherwise.
func buildParams(raw string, sets []string) (easyjson.RawMessage, error) {
	if raw != "" && (!gjson.Valid(raw) || !gjson.Parse(raw).IsObject()) {
		return nil, fmt.Errorf("%w: %q", errInvalidParams, raw)
	}
	if raw == "" && len(sets) == 0 {
		return nil, nil
	}
	if raw == "" {
		raw = "{}"
	}

	var err error
	for _, kv := range sets {
		path, value, ok := strings.Cut(kv, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidSet, kv)
		}
		if gjson.Valid(value) {
			raw, err = sjson.SetRaw(raw, path, value)
		} else {
			raw, err = sjson.Set(raw, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", path, err)
		}
	}

	return easyjson.RawMessage(raw), nil
}

func newExecCmd(a *app) *cobra.Command {
	var (
		f    targetFlags
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "exec METHOD [PARAMS_JSON]",
		Short: "Send a CDP command to a frame and print its result",
		Example: `  cdpframes exec --unit 1 DOM.getDocument '{"depth":1}'
  cdpframes exec --unit 1 --frame 9F3A... Runtime.evaluate '{"expression":"location.href","returnByValue":true}'
  cdpframes exec --unit 1 --set expression=document.title --set returnByValue=true Runtime.evaluate`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			params, err := buildParams(raw, sets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return a.withUnit(ctx, f, func(s *session) error {
				res, err := s.manager.SendCommand(ctx, f.unit, f.frame, args[0], params)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(prettyJSON(res))
				return err
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "set a params field, PATH=VALUE (repeatable)")

	return cmd
}

func newEvalCmd(a *app) *cobra.Command {
	var f targetFlags
	cmd := &cobra.Command{
		Use:     "eval EXPRESSION",
		Short:   "Evaluate JavaScript in a frame and print the value",
		Example: `  cdpframes eval --unit 1 'window.__cdpFrameId'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withUnit(ctx, f, func(s *session) error {
				c, err := s.manager.Client(ctx, f.unit, f.frame)
				if err != nil {
					return err
				}
				v, err := c.Evaluate(ctx, args[0], true)
				if err != nil {
					return err
				}
				if len(v) == 0 {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "undefined")
					return err
				}
				_, err = cmd.OutOrStdout().Write(prettyJSON(v))
				return err
			})
		},
	}
	f.register(cmd)

	return cmd
}
