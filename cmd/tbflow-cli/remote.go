package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/tcmartin/tbflow/pkg/services"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// request sends an API request and returns the body of a 2xx response
func (o *options) request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.serverURL, "/")+"/api/v1"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// printBody re-indents a JSON response
func printBody(cmd *cobra.Command, data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func newInjectCmd(opts *options) *cobra.Command {
	var payload, topic string

	cmd := &cobra.Command{
		Use:   "inject [node]",
		Short: "Send a message to a node of a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := map[string]interface{}{"payload": parsePayload(payload)}
			if topic != "" {
				msg["topic"] = topic
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return err
			}

			data, err := opts.request(cmd.Context(), http.MethodPost, "/nodes/"+url.PathEscape(args[0])+"/inject", body)
			if err != nil {
				return err
			}
			return printBody(cmd, data)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload, JSON or a plain string")
	cmd.Flags().StringVar(&topic, "topic", "", "Message topic")
	return cmd
}

func newNodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.request(cmd.Context(), http.MethodGet, "/nodes", nil)
			if err != nil {
				return err
			}
			return printBody(cmd, data)
		},
	}
}

func newCallsCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "calls [node]",
		Short: "Show the recent dispatches of a thingsboard node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/nodes/%s/calls?limit=%d", url.PathEscape(args[0]), limit)
			data, err := opts.request(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printBody(cmd, data)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of records")
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream flow events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client := sse.NewClient(strings.TrimRight(opts.serverURL, "/") + "/api/v1/events")
			if opts.token != "" {
				client.Headers["Authorization"] = "Bearer " + opts.token
			}

			seen := 0
			err := client.SubscribeWithContext(ctx, "events", func(msg *sse.Event) {
				if len(msg.Data) == 0 || ctx.Err() != nil {
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.Event, msg.Data)
				seen++
				if count > 0 && seen >= count {
					cancel()
				}
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("event stream failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events, 0 streams until interrupted")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var secret, subject string
	var hours int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API token for a server configured with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := services.NewJWTService(secret, hours).GenerateToken(subject, "api")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (auth.jwt_secret)")
	cmd.Flags().StringVar(&subject, "subject", "tbflow-cli", "Token subject")
	cmd.Flags().IntVar(&hours, "hours", 24, "Token lifetime in hours")
	return cmd
}
