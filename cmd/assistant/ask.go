package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/assistant-stream/internal/backend"
	"github.com/ashureev/assistant-stream/internal/config"
	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/session"
	"github.com/ashureev/assistant-stream/internal/stream"
)

func askCmd(flags *rootFlags) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "ask PROMPT",
		Short: "Send one message and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ask(ctx, cfg, domain.Key(conversationID), strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	return cmd
}

// ask runs a single session. Interrupting cancels it, which saves the
// partial reply like the UI's stop button does.
func ask(ctx context.Context, cfg *config.Config, key domain.Key, prompt string, out io.Writer) error {
	logger := slog.Default()
	convStore := conversation.NewStore(logger)
	defer convStore.Close()

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, logger)
	fetched := conversation.NewMemoryFetched()
	if key != "" {
		if _, err := conversation.NewLoader(convStore, fetched, client, nil, logger).Open(ctx, key); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	}

	ctrl := session.NewController(convStore, session.Options{
		Transport: stream.NewHTTPTransport(stream.TransportConfig{
			BaseURL:       cfg.Backend.URL,
			Token:         cfg.Backend.Token,
			MaxFrameBytes: cfg.Stream.MaxFrameBytes,
		}, logger),
		Saver:       client,
		Migrator:    conversation.NewMigrator(fetched, nil, logger),
		Logger:      logger,
		SaveTimeout: cfg.Stream.SaveTimeout,
	})
	defer ctrl.Close()

	changes, unsubscribe := convStore.Subscribe(64)
	defer unsubscribe()

	s, err := ctrl.SendMessage(ctx, session.SendRequest{Key: key, Message: prompt})
	if err != nil {
		return err
	}

	printed := 0
	emit := func(c conversation.Change) {
		if c.Kind == conversation.ChangeStreaming || c.Key != s.Key() || len(c.Messages) == 0 {
			return
		}
		tail := c.Messages[len(c.Messages)-1]
		if tail.Role != domain.RoleBot || len(tail.Text) <= printed {
			return
		}
		fmt.Fprint(out, tail.Text[printed:])
		printed = len(tail.Text)
	}

	interrupted := ctx.Done()
	for {
		select {
		case c := <-changes:
			emit(c)
		case <-interrupted:
			interrupted = nil
			s.Cancel()
		case <-s.Done():
		drain:
			for {
				select {
				case c := <-changes:
					emit(c)
				default:
					break drain
				}
			}
			fmt.Fprintln(out)
			if s.State() == session.StateErrored {
				return fmt.Errorf("response failed: %w", s.Err())
			}
			if !s.Key().IsDraft() && s.Key() != key {
				slog.Info("Conversation created", "conversation", s.Key())
			}
			return nil
		}
	}
}
