package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/chatsession/pkg/chat"
	"github.com/go-go-golems/chatsession/pkg/session"
)

// plainPrinter writes the parts of each snapshot that changed since the last one.
type plainPrinter struct {
	out     io.Writer
	self    string
	resolve func(string) string

	phase   session.Phase
	status  chat.ConnectionStatus
	attempt int
	notice  string
	chatID  string
	printed int
}

func (p *plainPrinter) update(s session.State) {
	id := ""
	if s.Chat != nil {
		id = s.Chat.ID
	}
	if id != p.chatID || len(s.Messages) < p.printed {
		p.chatID = id
		p.printed = 0
	}
	if s.Phase != p.phase {
		p.phase = s.Phase
		if hint := phaseHint(s); hint != "" {
			_, _ = fmt.Fprintln(p.out, hint)
		} else if s.Chat != nil {
			_, _ = fmt.Fprintln(p.out, "== "+formatHeader(s))
		}
	}
	if s.Status != p.status || s.Attempt != p.attempt {
		p.status, p.attempt = s.Status, s.Attempt
		_, _ = fmt.Fprintf(p.out, "-- %s\n", statusLabel(s))
	}
	for _, m := range s.Messages[p.printed:] {
		_, _ = fmt.Fprintln(p.out, formatMessage(m, p.self, p.resolve))
	}
	p.printed = len(s.Messages)
	if s.Notice != "" && s.Notice != p.notice {
		_, _ = fmt.Fprintf(p.out, "!! %s\n", s.Notice)
	}
	p.notice = s.Notice
}

func (a *attachment) runPlain(ctx context.Context, in io.Reader, out io.Writer) error {
	states, unsubscribe := a.watch()
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make(chan error, 16)
	forward := func(res <-chan error) {
		go func() {
			if err := <-res; err != nil {
				select {
				case results <- err:
				case <-ctx.Done():
				}
			}
		}()
	}

	p := &plainPrinter{out: out, self: a.selfID(), resolve: a.app.dir.ResolveImageURL}
	forward(a.coord.Initialize(a.chatID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-states:
			p.update(s)
		case err := <-results:
			_, _ = fmt.Fprintf(out, "!! %v\n", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			c, err := parseCommand(line)
			if err != nil {
				_, _ = fmt.Fprintf(out, "!! %v\n", err)
				continue
			}
			if c.kind == "quit" {
				return nil
			}
			forward(a.execute(ctx, c))
		}
	}
}
