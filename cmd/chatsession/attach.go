package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/redisbus"
	"github.com/go-go-golems/chatsession/pkg/session"
)

func newAttachCommand() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "attach [chat-id]",
		Short: "Join the live session of your active chat (or the given one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID := ""
			if len(args) == 1 {
				chatID = args[0]
			}
			return runAttach(cmd.Context(), settings, chatID, plain)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "line mode instead of the terminal UI")
	return cmd
}

func runAttach(ctx context.Context, s *config.Settings, chatID string, plain bool) error {
	if !plain {
		restore, err := logToFile(s.LogLevel, s.LogFile)
		if err != nil {
			return err
		}
		defer restore()
	}

	a, err := newApp(s, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	dialer, err := a.dialer()
	if err != nil {
		return err
	}

	if s.Redis.Enabled {
		if chatID == "" {
			cs, err := a.dir.FetchActiveChat(ctx)
			if err != nil {
				return err
			}
			if cs != nil {
				chatID = cs.ID
			}
		}
		if chatID != "" {
			if err := redisbus.EnsureChatGroups(ctx, s.Redis, chatID); err != nil {
				return err
			}
		}
	}

	coord, err := session.New(session.Config{
		Directory:        a.dir,
		Gate:             a.gate,
		Dialer:           dialer,
		ReconnectDelay:   s.ReconnectDelay,
		HandshakeTimeout: s.HandshakeTimeout,
		RequestTimeout:   s.RequestTimeout,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		ui := &attachment{coord: coord, app: a, chatID: chatID}
		if plain {
			return ui.runPlain(gctx, os.Stdin, os.Stdout)
		}
		return ui.runTUI(gctx)
	})

	err = g.Wait()
	log.Debug().Err(err).Msg("attach finished")
	return err
}

// attachment is the presentation side of one attach run.
type attachment struct {
	coord  *session.Coordinator
	app    *app
	chatID string
}

func (a *attachment) selfID() string {
	if cred := a.app.gate.Current(); cred != nil {
		return cred.Subject
	}
	return ""
}

// watch forwards coordinator snapshots to a channel that always holds the
// latest one. The subscriber callback never blocks.
func (a *attachment) watch() (<-chan session.State, func()) {
	ch := make(chan session.State, 1)
	unsubscribe := a.coord.Subscribe(func(s session.State) {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	})
	return ch, unsubscribe
}
