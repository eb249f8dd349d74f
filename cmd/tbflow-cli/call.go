package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/runtime"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// consoleHost runs a single node outside a flow and reports to a writer
type consoleHost struct {
	mu     sync.Mutex
	errOut io.Writer
	logger logging.Logger
	sent   []message.Message
}

func (h *consoleHost) NodeID() string { return "cli" }

func (h *consoleHost) Send(msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
}

func (h *consoleHost) Error(err error, _ message.Message) {
	h.logger.Error("dispatch failed", logging.Err(err))
}

func (h *consoleHost) Status(s runtime.Status) {
	if s.IsZero() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.errOut, "[%s] %s\n", s.Fill, s.Text)
}

func (h *consoleHost) Debug(data any, _ message.Message) {}

func (h *consoleHost) Logger() logging.Logger { return h.logger }

// parseAssignments splits name=value pairs
func parseAssignments(flag string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --%s %q, expected name=value", flag, pair)
		}
		out[name] = value
	}
	return out, nil
}

// parsePayload reads JSON, falling back to the raw string
func parsePayload(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func newCallCmd(opts *options) *cobra.Command {
	var (
		tbURL      string
		tbToken    string
		literals   []string
		paths      []string
		payload    string
		topic      string
		noFallback bool
		timeout    time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "call [operation]",
		Short: "Dispatch one ThingsBoard operation the way a thingsboard node would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbURL = firstNonEmpty(tbURL, opts.config.TBURL, os.Getenv("TBFLOW_TB_URL"))
			tbToken = firstNonEmpty(tbToken, opts.config.TBToken, os.Getenv("TBFLOW_TB_TOKEN"))
			if tbURL == "" {
				return fmt.Errorf("--url is required")
			}

			lits, err := parseAssignments("param", literals)
			if err != nil {
				return err
			}
			msgPaths, err := parseAssignments("msg", paths)
			if err != nil {
				return err
			}

			bindings := runtime.Bindings{}
			for name, value := range lits {
				bindings[name] = runtime.Binding{Source: runtime.Literal(value), Fallback: !noFallback}
			}
			for name, path := range msgPaths {
				if _, dup := bindings[name]; dup {
					return fmt.Errorf("parameter %s is bound twice", name)
				}
				bindings[name] = runtime.Binding{Source: runtime.MessagePath(path), Fallback: !noFallback}
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			host := &consoleHost{
				errOut: cmd.ErrOrStderr(),
				logger: logging.NewWithWriter(cmd.ErrOrStderr(), logging.LogConfig{Level: level, Format: "text"}),
			}

			node := runtime.NewThingsBoardNode("cli", runtime.ThingsBoardConfig{
				Server:   tbclient.Config{URL: tbURL, Token: tbToken, Timeout: timeout},
				Method:   args[0],
				Bindings: bindings,
			}, host)

			msg := message.New(parsePayload(payload))
			if topic != "" {
				msg[message.KeyTopic] = topic
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()

			call := node.Input(ctx, msg)
			waitErr := call.Wait(ctx)
			if err := printJSON(cmd.OutOrStdout(), call.Message()); err != nil {
				return err
			}
			return waitErr
		},
	}

	cmd.Flags().StringVar(&tbURL, "url", "", "ThingsBoard base URL")
	cmd.Flags().StringVar(&tbToken, "tb-token", "", "ThingsBoard JWT")
	cmd.Flags().StringArrayVarP(&literals, "param", "p", nil, "Literal parameter, name=value")
	cmd.Flags().StringArrayVarP(&paths, "msg", "m", nil, "Parameter read from a message path, name=path")
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload, JSON or a plain string")
	cmd.Flags().StringVar(&topic, "topic", "", "Message topic")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "Do not fall back to msg.payload for blank parameters")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	return cmd
}
