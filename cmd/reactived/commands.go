package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-reactive/pkg/transport"
	"github.com/goliatone/go-reactive/pkg/transport/ws"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the state daemon",
		Long: `Runs the daemon that owns the authoritative state tree.

UI processes connect over WebSocket at ws://<listen>/ws. Operators can read
state, history, computed values and metrics from the inspect listener.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return d.run(cmd.Context())
		},
	}
}

type clientFlags struct {
	addr      string
	processID string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "Daemon transport address (default from config)")
	cmd.Flags().StringVar(&f.processID, "process-id", "", "Process id to request from the daemon")
}

func (f *clientFlags) dial(ctx context.Context, opts *rootOptions) (*ws.Client, error) {
	addr := f.addr
	if addr == "" {
		cfg, _, err := opts.load()
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	return ws.Dial(ctx, "ws://"+addr+transportPath, ws.WithProcessID(f.processID))
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "get [path]",
		Short: "Print the value at a state path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.dial(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			resp, err := invoke(cmd.Context(), client, transport.Request{Op: transport.OpGet, Path: path})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Value)
		},
	}
	flags.register(cmd)
	return cmd
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	flags := &clientFlags{}
	var merge bool
	var source string
	cmd := &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write a value through the bridge",
		Long: `Writes a value through the bridge. The value is parsed as JSON and
falls back to a plain string, so both 'set ui.theme dark' and
'set ui '{"theme":"dark"}' --merge' work. Only allow-listed paths are writable.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.dial(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := invoke(cmd.Context(), client, transport.Request{
				Op:     transport.OpSet,
				Path:   args[0],
				Value:  parseValue(args[1]),
				Merge:  merge,
				Source: source,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Value)
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "Shallow-merge a mapping into the existing mapping")
	cmd.Flags().StringVar(&source, "source", "cli", "Source label recorded in the change history")
	flags.register(cmd)
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "watch <path>...",
		Short: "Stream changes under one or more paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.dial(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			client.OnPush(func(push transport.Push) {
				_ = printJSON(out, push)
			})
			for _, path := range args {
				if _, err := invoke(cmd.Context(), client, transport.Request{Op: transport.OpSubscribe, Path: path}); err != nil {
					return err
				}
			}
			select {
			case <-cmd.Context().Done():
				return nil
			case <-client.Done():
				return fmt.Errorf("connection closed by daemon")
			}
		},
	}
	flags.register(cmd)
	return cmd
}

func invoke(ctx context.Context, client transport.Client, req transport.Request) (transport.Response, error) {
	resp, err := client.Invoke(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s %q: %s", req.Op, req.Path, resp.Error)
	}
	return resp, nil
}

func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &value); err != nil {
		return raw
	}
	return value
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
