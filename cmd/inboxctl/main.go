package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/session"
)

type globals struct {
	session string
	json    bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:               "inboxctl",
		Short:             "Control a running inbox daemon",
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}
	root.PersistentFlags().StringVar(&g.session, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVarP(&g.json, "json", "j", false, "output as JSON")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		newStatusCmd(g),
		newListCmd(g),
		newMoreCmd(g),
		newReloadCmd(g),
		newWatchCmd(g),
		newSelectCmd(g),
		newBatchCmd(g),
		newRetryCmd(g),
		newReorderPinsCmd(g),
		newSnoozeCmd(g),
	)
	for _, t := range toggles {
		root.AddCommand(newToggleCmd(g, t))
	}
	return root
}

func (g *globals) sessionName() (string, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return session.Resolve(g.session, cfg)
}

// call dials the daemon and runs fn with a timeout-bound context.
func (g *globals) call(fn func(ctx context.Context, c *api.Client) error) error {
	name, err := g.sessionName()
	if err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	return fn(ctx, c)
}

func (g *globals) print(v any, text func(w io.Writer)) {
	if g.json {
		outputJSON(v)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	text(tw)
	_ = tw.Flush()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and list status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			name, err := g.sessionName()
			if err != nil {
				return err
			}
			holder, err := lock.Inspect(session.Dir(name))
			if errors.Is(err, lock.ErrNotHeld) {
				g.print(map[string]any{"session": name, "running": false}, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "Session:\t%s\nDaemon:\tnot running\n", name)
				})
				return nil
			}
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				g.print(st, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "Session:\t%s\n", st.Session)
					_, _ = fmt.Fprintf(w, "Daemon:\tpid %d since %s\n", holder.PID, holder.Since.Format(time.RFC3339))
					_, _ = fmt.Fprintf(w, "Push:\t%s\n", st.Transport)
					if st.PhoneNumber != "" {
						_, _ = fmt.Fprintf(w, "Phone:\t+%s\n", st.PhoneNumber)
					}
					_, _ = fmt.Fprintf(w, "List:\t%s (%d loaded, %d unread)\n", st.View, st.Loaded, st.TotalUnread)
					_, _ = fmt.Fprintf(w, "Failed writes:\t%d\n", len(st.FailedWrites))
					_, _ = fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
				})
				return nil
			})
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var statusFlag, categoryFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the conversation list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &api.ListRequest{}
			if cmd.Flags().Changed("status") || cmd.Flags().Changed("category") {
				req.Filter = &conversation.Filter{
					Status:   conversation.Status(statusFlag),
					Category: conversation.Category(categoryFlag),
				}
			}
			return g.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.List(ctx, req)
				if err != nil {
					return err
				}
				printList(g, resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "all", "all, unread, pinned, muted or snoozed")
	cmd.Flags().StringVar(&categoryFlag, "category", "all", "all, direct, groups, push or sms")
	return cmd
}

func newMoreCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "more",
		Short: "Load the next page",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.LoadMore(ctx)
				if err != nil {
					return err
				}
				printList(g, &resp.List)
				return nil
			})
		},
	}
}

func newReloadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the list from the first page",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Reload(ctx)
				if err != nil {
					return err
				}
				printList(g, resp)
				return nil
			})
		},
	}
}

func printList(g *globals, resp *api.ListResponse) {
	g.print(resp, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tUNREAD\tFLAGS\tLAST MESSAGE")
		for _, r := range resp.Records {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.PrimaryID, r.DisplayName, r.UnreadCount, flags(&r), oneLine(r.LastMessage.Text, 50))
		}
		more := ""
		if resp.CanLoadMore {
			more = ", more available"
		}
		_, _ = fmt.Fprintf(w, "\n%d shown of %d loaded, %d unread (%s%s)\n", len(resp.Records), resp.Loaded, resp.TotalUnread, resp.State, more)
	})
}

func flags(r *conversation.Record) string {
	var f []string
	if r.IsPinned {
		f = append(f, "pinned")
	}
	if r.IsMuted {
		f = append(f, "muted")
	}
	if r.IsSnoozedUntil > time.Now().UnixMilli() {
		f = append(f, "snoozed")
	}
	if r.IsMerged() {
		f = append(f, fmt.Sprintf("merged:%d", len(r.MergedIDs)))
	}
	if r.IsTyping() {
		f = append(f, "typing")
	}
	if r.HasDraft {
		f = append(f, "draft")
	}
	if r.LastMessageStatus == conversation.MessageFailed {
		f = append(f, "failed")
	}
	return strings.Join(f, ",")
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func newWatchCmd(g *globals) *cobra.Command {
	var prefixes []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			name, err := g.sessionName()
			if err != nil {
				return err
			}
			c, err := api.Dial(session.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stream, err := c.Watch(ctx, &api.WatchRequest{Prefixes: prefixes})
			if err != nil {
				return err
			}
			for {
				evt, err := stream.Recv()
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				if g.json {
					outputJSON(evt)
					continue
				}
				fmt.Printf("%s  %-24s %s\n", time.UnixMilli(evt.OccurredAt).Format("15:04:05.000"), evt.Kind, oneLine(string(evt.Payload), 120))
			}
		},
	}
	cmd.Flags().StringSliceVar(&prefixes, "prefix", nil, "event kind prefixes (default view., mutation., sync., session.)")
	return cmd
}

type toggle struct {
	use   string
	short string
	op    outbox.Op
	value bool
}

var toggles = []toggle{
	{"pin", "Pin a conversation", outbox.OpPin, true},
	{"unpin", "Unpin a conversation", outbox.OpPin, false},
	{"mute", "Mute a conversation", outbox.OpMute, true},
	{"unmute", "Unmute a conversation", outbox.OpMute, false},
	{"archive", "Archive a conversation", outbox.OpArchive, true},
	{"unarchive", "Unarchive a conversation", outbox.OpArchive, false},
	{"delete", "Delete a conversation", outbox.OpDelete, false},
	{"read", "Mark a conversation read", outbox.OpMarkRead, false},
	{"unread", "Mark a conversation unread", outbox.OpMarkUnread, false},
}

func newToggleCmd(g *globals, t toggle) *cobra.Command {
	return &cobra.Command{
		Use:   t.use + " <id>",
		Short: t.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return mutate(g, outbox.Mutation{Op: t.op, ThreadID: args[0], Value: t.value})
		},
	}
}

func newSnoozeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "snooze <id> <duration>",
		Short: "Snooze a conversation; a zero duration clears the snooze",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			until, err := snoozeDeadline(args[1])
			if err != nil {
				return err
			}
			return mutate(g, outbox.Mutation{Op: outbox.OpSnooze, ThreadID: args[0], Until: until})
		},
	}
}

func snoozeDeadline(s string) (int64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, nil
	}
	return time.Now().Add(d).UnixMilli(), nil
}

func newReorderPinsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder-pins <id>...",
		Short: "Set the pinned order, first id on top",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return mutate(g, outbox.Mutation{Op: outbox.OpReorderPins, Order: args})
		},
	}
}

func mutate(g *globals, m outbox.Mutation) error {
	return g.call(func(ctx context.Context, c *api.Client) error {
		resp, err := c.Mutate(ctx, &api.MutateRequest{Mutation: m})
		if err != nil {
			return err
		}
		g.print(resp, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "%s queued as %s (%d threads)\n", m.Op, resp.Write.ID, len(resp.Write.Targets))
		})
		return nil
	})
}

func newSelectCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Manage the batch selection",
	}
	run := func(action api.SelectAction, id string) error {
		return g.call(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Select(ctx, &api.SelectRequest{Action: action, ID: id})
			if err != nil {
				return err
			}
			g.print(resp, func(w io.Writer) {
				st := resp.State
				_, _ = fmt.Fprintf(w, "Mode:\t%s\n", st.Mode)
				_, _ = fmt.Fprintf(w, "Selected:\t%s\n", strings.Join(st.Selected, " "))
				if len(st.Deselected) > 0 {
					_, _ = fmt.Fprintf(w, "Excluded:\t%s\n", strings.Join(st.Deselected, " "))
				}
			})
			return nil
		})
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "toggle <id>",
			Short: "Toggle one conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  func(_ *cobra.Command, args []string) error { return run(api.SelectToggle, args[0]) },
		},
		&cobra.Command{
			Use:   "all",
			Short: "Select every conversation matching the active filter",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return run(api.SelectAll, "") },
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear the selection",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return run(api.SelectClear, "") },
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the selection",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return run(api.SelectState, "") },
		},
	)
	return cmd
}

func newBatchCmd(g *globals) *cobra.Command {
	var (
		value  bool
		snooze string
	)
	cmd := &cobra.Command{
		Use:   "batch <op>",
		Short: "Apply an operation to the selection (pin, mute, archive, delete, snooze, mark_read, mark_unread)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m := outbox.Mutation{Op: outbox.Op(args[0]), Value: value}
			if m.Op == outbox.OpSnooze {
				until, err := snoozeDeadline(snooze)
				if err != nil {
					return err
				}
				m.Until = until
			}
			return g.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.ApplyBatch(ctx, &api.ApplyBatchRequest{Mutation: m})
				if err != nil {
					return err
				}
				g.print(resp, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "%s applied to %d of %d conversations\n", m.Op, len(resp.Writes), len(resp.Targets))
					if resp.Error != "" {
						_, _ = fmt.Fprintf(w, "errors: %s\n", resp.Error)
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&value, "value", true, "flag value for pin, mute and archive")
	cmd.Flags().StringVar(&snooze, "for", "0s", "snooze duration")
	return cmd
}

func newRetryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <write-id>",
		Short: "Retry a failed write",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.RetryWrite(ctx, args[0])
				if err != nil {
					return err
				}
				g.print(resp, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "%s re-queued\n", resp.Write.ID)
				})
				return nil
			})
		},
	}
}
