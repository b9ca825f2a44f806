package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/chat"
	"github.com/go-go-golems/chatsession/pkg/clock"
	"github.com/go-go-golems/chatsession/pkg/session"
)

// command is one parsed line of user input.
type command struct {
	kind    string // text, leave, image, quit
	text    string
	path    string
	caption string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: "text", text: line}, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return command{kind: "quit"}, nil
	case "/leave":
		return command{kind: "leave"}, nil
	case "/image":
		if len(fields) < 2 {
			return command{}, errors.New("usage: /image <path> [caption]")
		}
		return command{kind: "image", path: fields[1], caption: strings.Join(fields[2:], " ")}, nil
	}
	return command{}, errors.Errorf("unknown command %s", fields[0])
}

func (a *attachment) execute(ctx context.Context, c command) <-chan error {
	switch c.kind {
	case "leave":
		return a.coord.Leave()
	case "image":
		res := make(chan error, 1)
		f, err := os.Open(c.path)
		if err != nil {
			res <- errors.Wrap(err, "open image")
			return res
		}
		inner := a.coord.UploadAndSendImage(ctx, filepath.Base(c.path), f, c.caption)
		go func() {
			err := <-inner
			_ = f.Close()
			res <- err
		}()
		return res
	}
	return a.coord.SendText(c.text)
}

func formatMessage(m chat.Message, selfID string, resolve func(string) string) string {
	stamp := ""
	if !m.SentAt.IsZero() {
		stamp = humanize.Time(m.SentAt)
	}
	if m.Kind.System() {
		return fmt.Sprintf("  * %s %s (%s)", m.SenderName, systemVerb(m.Kind), stamp)
	}
	who := m.SenderName
	if m.FromUser(selfID, "") {
		who = "you"
	}
	body := m.TextOrEmpty()
	if m.Kind == chat.KindImage && m.ImageRef != nil {
		img := "[image " + resolve(*m.ImageRef) + "]"
		if body != "" {
			body = img + " " + body
		} else {
			body = img
		}
	}
	return fmt.Sprintf("%s (%s): %s", who, stamp, body)
}

func systemVerb(k chat.Kind) string {
	if k == chat.KindLeave {
		return "left the chat"
	}
	return "joined the chat"
}

func formatHeader(s session.State) string {
	if s.Chat == nil {
		return string(s.Phase)
	}
	parts := []string{s.Chat.Name}
	if s.Chat.Topic != "" {
		parts = append(parts, s.Chat.Topic)
	}
	parts = append(parts, statusLabel(s))
	if s.HasExpiry {
		parts = append(parts, clock.Format(s.Remaining)+" left")
	}
	if s.Phase == session.PhaseExpired {
		parts = append(parts, "expired")
	}
	return strings.Join(parts, " | ")
}

func statusLabel(s session.State) string {
	if s.Status == chat.StatusConnecting && s.Attempt > 1 {
		return fmt.Sprintf("%s (attempt %d)", s.Status, s.Attempt)
	}
	return string(s.Status)
}

func phaseHint(s session.State) string {
	switch s.Phase {
	case session.PhaseNoChat:
		return "You have no active chat."
	case session.PhaseLeft:
		return "You left the chat."
	case session.PhaseExpired:
		return "This chat has expired."
	case session.PhaseUnauthenticated:
		return "Not signed in. Run `chatsession token set <token>` and attach again."
	case session.PhaseFailed:
		if s.Err != nil {
			return "Could not load the chat: " + s.Err.Error()
		}
		return "Could not load the chat."
	}
	return ""
}
