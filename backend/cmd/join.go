package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adwski/exam-liveroom/backend/client"
	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/adwski/exam-liveroom/backend/peer"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errConnectionClosed = errors.New("connection closed by server")

func newJoinCmd() *cobra.Command {
	var (
		url      string
		chapter  string
		userID   string
		logLevel string
		dump     bool
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join chapter room, print its events and send stdin lines as chat messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := newLogger(lvl)
			if userID == "" {
				userID = uuid.NewString()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			coord := peer.NewCoordinator(peer.Config{
				Dialer: &logDialer{logger: &logger},
				Logger: &logger,
			})
			defer coord.Close()

			c, err := client.Dial(ctx, url, client.Config{Logger: &logger, Coordinator: coord})
			if err != nil {
				return err
			}
			defer func() {
				_ = c.Close()
			}()
			if err = c.Join(chapter, userID); err != nil {
				return err
			}
			logger.Info().Str("chapter", chapter).Str("userID", userID).Msg("joined")

			go sendChat(ctx, cmd.InOrStdin(), c, chapter, &logger)
			return printEvents(ctx, cmd.OutOrStdout(), c.Events(), dump)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8888/live/", "live room websocket url")
	cmd.Flags().StringVar(&chapter, "chapter", "", "chapter id to join")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id, random if empty")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	cmd.Flags().BoolVar(&dump, "dump", false, "dump received events with all details")
	_ = cmd.MarkFlagRequired("chapter")
	return cmd
}

func sendChat(ctx context.Context, in io.Reader, c *client.Client, chapter string, logger *zerolog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.Emit(model.EventChatMessage, model.ChatMessage{Message: line, Room: chapter}); err != nil {
			logger.Error().Err(err).Msg("failed to send chat message")
			return
		}
	}
}

func printEvents(ctx context.Context, out io.Writer, events <-chan model.Event, dump bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errConnectionClosed
			}
			if dump {
				spew.Fdump(out, ev)
				continue
			}
			fmt.Fprintf(out, "%s %s\n", ev.Name, ev.Data)
		}
	}
}

// logDialer stands in for a media stack, it only records call lifecycle.
type logDialer struct {
	logger *zerolog.Logger
}

func (d *logDialer) Call(_ context.Context, userID string) (peer.Call, error) {
	d.logger.Info().Str("userID", userID).Msg("calling peer")
	return &logCall{userID: userID, logger: d.logger}, nil
}

type logCall struct {
	userID string
	logger *zerolog.Logger
}

func (c *logCall) Close() error {
	c.logger.Info().Str("userID", c.userID).Msg("call with peer closed")
	return nil
}
