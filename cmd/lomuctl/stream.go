package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/lomu/internal/streamclient"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

// eventPrinter writes one JSON line per stream message and reports when a
// followed conversation ends.
type eventPrinter struct {
	out          io.Writer
	conversation string

	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	failure error
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out, done: make(chan struct{})}
}

func (p *eventPrinter) follow(conversationID string) {
	p.mu.Lock()
	p.conversation = conversationID
	p.mu.Unlock()
}

func (p *eventPrinter) handle(msg *messages.StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.mu.Lock()
	fmt.Fprintln(p.out, string(data))
	conv := p.conversation
	p.mu.Unlock()

	if conv == "" || msg.ConversationID != conv {
		return
	}
	switch msg.Type {
	case messages.TypeComplete:
		p.finish(nil)
	case messages.TypeError:
		var e messages.ErrorPayload
		if err := msg.Decode(&e); err == nil {
			p.finish(fmt.Errorf("run failed (%s): %s", e.Code, e.Message))
		} else {
			p.finish(errors.New("run failed"))
		}
	}
}

func (p *eventPrinter) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.failure = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *eventPrinter) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// openStream connects to the realtime channel, reconnecting with backoff.
func openStream(ctx context.Context, c *Client, printer *eventPrinter, errOut io.Writer) (*streamclient.Client, error) {
	if c.UserID == "" {
		return nil, errors.New("--user is required to register on the stream")
	}
	wsURL, err := c.streamURL()
	if err != nil {
		return nil, err
	}
	opts := streamclient.OptionsFromConfig(config.DefaultConfig().Stream, wsURL, uuid.New().String(), c.UserID)
	opts.Header = http.Header{}
	c.authorize(opts.Header)
	opts.OnMessage = printer.handle
	opts.OnStatus = func(s streamclient.Status) {
		if s.LastError != "" {
			fmt.Fprintf(errOut, "stream: %s (attempt %d): %s\n", s.State, s.Attempt, s.LastError)
		} else {
			fmt.Fprintf(errOut, "stream: %s\n", s.State)
		}
		if s.State == streamclient.StateFailed {
			printer.finish(fmt.Errorf("stream failed after %d attempts: %s", s.Attempt, s.LastError))
		}
	}

	client := streamclient.New(opts)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live events for a user",
		Long: `watch connects to the realtime channel and prints every event as a JSON line.
It reconnects with exponential backoff when the connection drops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			printer := newEventPrinter(cmd.OutOrStdout())
			client, err := openStream(ctx, newClient(), printer, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			select {
			case <-ctx.Done():
				return nil
			case <-printer.done:
				return printer.err()
			}
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		conversationID string
		maxRounds      int
		follow         bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start an agent run",
		Example: `  lomuctl run "summarize README.md" --user alice
  lomuctl run "tidy the docs folder" --user alice --follow`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c := newClient()
			if conversationID == "" {
				conversationID = uuid.New().String()
			}
			printer := newEventPrinter(cmd.OutOrStdout())
			printer.follow(conversationID)

			// Subscribe first so the run's early events are not missed.
			if follow {
				stream, err := openStream(ctx, c, printer, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer stream.Disconnect()
			}

			data, err := c.post("/api/agent/runs", map[string]interface{}{
				"conversationId": conversationID,
				"prompt":         strings.Join(args, " "),
				"maxRounds":      maxRounds,
			})
			if err != nil {
				return err
			}
			if !follow {
				outputJSON(cmd.OutOrStdout(), data)
				return nil
			}

			select {
			case <-ctx.Done():
				fmt.Fprintf(cmd.ErrOrStderr(), "detached; abort with: POST /api/agent/runs/%s/abort\n", conversationID)
				return nil
			case <-printer.done:
				return printer.err()
			}
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id (generated when empty)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Round limit (server default when 0)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the run's events until it ends")
	return cmd
}

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <conversation-id>",
		Short: "Abort a live agent run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/agent/runs/"+url.PathEscape(args[0])+"/abort", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
