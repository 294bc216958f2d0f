package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comigor/ollamachat/internal/agent"
	"github.com/comigor/ollamachat/internal/events"
	"github.com/comigor/ollamachat/internal/mcpserver"
	"github.com/comigor/ollamachat/internal/server"
	"github.com/comigor/ollamachat/internal/service"
)

// ignoreCanceled treats a shutdown request as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr()
				}
				srv := server.New(a.agent, a.bus)
				group := service.Group{service.Func{ServiceName: "http", Fn: func(ctx context.Context) error {
					return srv.ListenAndServe(ctx, addr)
				}}}
				if w, ok := a.watchService(); ok {
					group = append(group, w)
				}
				return group.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.host:server.port)")
	return cmd
}

func newMCPCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the chat as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				srv := mcpserver.New(a.agent, version)
				group := service.Group{service.Func{ServiceName: "mcp", Fn: func(ctx context.Context) error {
					return ignoreCanceled(srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()))
				}}}
				if w, ok := a.watchService(); ok {
					group = append(group, w)
				}
				return group.Run(ctx)
			})
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				if conversationID != "" {
					if err := a.agent.SelectConversation(ctx, conversationID); err != nil {
						return err
					}
				}
				return send(ctx, a, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to continue (default: the selected one)")
	return cmd
}

type sendResult struct {
	res agent.Result
	err error
}

// send runs one turn and prints the reply as it grows.
func send(ctx context.Context, a *app, text string, out, errOut io.Writer) error {
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := a.bus.Subscribe(subCtx)
	if err != nil {
		return err
	}

	done := make(chan sendResult, 1)
	go func() {
		res, err := a.agent.SendMessage(ctx, text)
		done <- sendResult{res: res, err: err}
	}()

	var p deltaPrinter
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			p.handle(out, e)
		case r := <-done:
			// every event of the turn is buffered by the time SendMessage returns
			for drained := false; !drained; {
				select {
				case e, ok := <-sub:
					if !ok {
						drained = true
						continue
					}
					p.handle(out, e)
				default:
					drained = true
				}
			}
			if r.res.Outcome == "" {
				return r.err
			}
			p.finish(out, r.res.Content)
			if r.res.Outcome == agent.OutcomeCancelled {
				fmt.Fprintln(errOut, "[cancelled]")
				return nil
			}
			return r.err
		}
	}
}

// deltaPrinter writes only the part of the accumulated content not yet printed.
type deltaPrinter struct {
	printed string
}

func (p *deltaPrinter) handle(w io.Writer, e events.Event) {
	switch e.Type {
	case events.TypePartial, events.TypeFinal:
		p.write(w, e.Content)
	}
}

func (p *deltaPrinter) write(w io.Writer, content string) {
	if !strings.HasPrefix(content, p.printed) {
		return
	}
	fmt.Fprint(w, content[len(p.printed):])
	p.printed = content
}

// finish prints whatever the events missed and ends the line.
func (p *deltaPrinter) finish(w io.Writer, content string) {
	p.write(w, content)
	if p.printed != "" {
		fmt.Fprintln(w)
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				selected := a.agent.SelectedID()
				for _, c := range a.agent.Conversations() {
					mark := " "
					if c.ID == selected {
						mark = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-30s  %d messages\n", mark, c.ID, c.Title, len(c.Messages))
				}
				return nil
			})
		},
	}
}

func newModelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the backend offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				models, err := a.agent.Models(ctx)
				if err != nil {
					return err
				}
				for _, m := range models {
					fmt.Fprintln(cmd.OutOrStdout(), m)
				}
				return nil
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all conversations as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				data, err := a.agent.Export(ctx)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(append(data, '\n'))
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge conversations from an export; existing ids are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				n, err := a.agent.Import(ctx, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d conversations\n", n)
				return nil
			})
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation and reset settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				return a.agent.ClearAll(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all data")
	return cmd
}
