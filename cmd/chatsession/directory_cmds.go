package main

import (
	"context"
	"strconv"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazedsettings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsession/pkg/chat"
)

// withApp runs fn against a freshly built app for one-shot directory commands.
func withApp(fn func(a *app) error) error {
	if settings == nil {
		return errors.New("settings not loaded")
	}
	a, err := newApp(settings, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func parseInterestID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid interest id %q", s)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func chatRow(cs *chat.ChatSession) types.Row {
	names := make([]string, 0, len(cs.Participants))
	for _, p := range cs.Participants {
		names = append(names, p.DisplayName)
	}
	return types.NewRow(
		types.MRP("id", cs.ID),
		types.MRP("name", cs.Name),
		types.MRP("topic", cs.Topic),
		types.MRP("active", cs.Active),
		types.MRP("expires_at", formatTime(cs.ExpiresAt)),
		types.MRP("participants", names),
	)
}

func messageRow(m chat.Message, resolve func(string) string) types.Row {
	image := ""
	if m.ImageRef != nil {
		image = resolve(*m.ImageRef)
	}
	return types.NewRow(
		types.MRP("id", m.ID),
		types.MRP("sent_at", formatTime(&m.SentAt)),
		types.MRP("sender_id", m.SenderID),
		types.MRP("sender_name", m.SenderName),
		types.MRP("kind", string(m.Kind)),
		types.MRP("text", m.TextOrEmpty()),
		types.MRP("image_url", image),
	)
}

func outputSections() (cmds.CommandDescriptionOption, error) {
	glazedLayer, err := glazedsettings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	return cmds.WithSections(glazedLayer, commandSettingsLayer), nil
}

type CurrentCommand struct {
	*cmds.CommandDescription
}

func NewCurrentCommand() (*CurrentCommand, error) {
	sections, err := outputSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"current",
		cmds.WithShort("Print your active chat"),
		sections,
	)
	return &CurrentCommand{CommandDescription: desc}, nil
}

func (c *CurrentCommand) RunIntoGlazeProcessor(ctx context.Context, _ *values.Values, gp middlewares.Processor) error {
	return withApp(func(a *app) error {
		cs, err := a.dir.FetchActiveChat(ctx)
		if err != nil || cs == nil {
			return err
		}
		return gp.AddRow(ctx, chatRow(cs))
	})
}

type HistorySettings struct {
	ChatID string `glazed:"chat-id"`
}

type HistoryCommand struct {
	*cmds.CommandDescription
}

func NewHistoryCommand() (*HistoryCommand, error) {
	sections, err := outputSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Print the message history of a chat"),
		cmds.WithArguments(
			fields.New(
				"chat-id",
				fields.TypeString,
				fields.WithHelp("Chat to read"),
				fields.WithRequired(true),
			),
		),
		sections,
	)
	return &HistoryCommand{CommandDescription: desc}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &HistorySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withApp(func(a *app) error {
		for _, m := range a.dir.FetchHistory(ctx, s.ChatID) {
			if err := gp.AddRow(ctx, messageRow(m, a.dir.ResolveImageURL)); err != nil {
				return err
			}
		}
		return nil
	})
}

type LeaveSettings struct {
	ChatID string `glazed:"chat-id"`
}

type LeaveCommand struct {
	*cmds.CommandDescription
}

func NewLeaveCommand() (*LeaveCommand, error) {
	sections, err := outputSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"leave",
		cmds.WithShort("Leave a chat"),
		cmds.WithArguments(
			fields.New(
				"chat-id",
				fields.TypeString,
				fields.WithHelp("Chat to leave"),
				fields.WithRequired(true),
			),
		),
		sections,
	)
	return &LeaveCommand{CommandDescription: desc}, nil
}

func (c *LeaveCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &LeaveSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withApp(func(a *app) error {
		msg, err := a.dir.Leave(ctx, s.ChatID)
		if err != nil {
			return err
		}
		return gp.AddRow(ctx, types.NewRow(
			types.MRP("chat_id", s.ChatID),
			types.MRP("message", msg),
		))
	})
}

type CreateSettings struct {
	Name     string `glazed:"name"`
	Interest int    `glazed:"interest"`
}

type CreateCommand struct {
	*cmds.CommandDescription
}

func NewCreateCommand() (*CreateCommand, error) {
	sections, err := outputSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"create",
		cmds.WithShort("Create a chat for an interest"),
		cmds.WithFlags(
			fields.New(
				"name",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Chat name (server picks one when empty)"),
			),
			fields.New(
				"interest",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Primary interest id"),
			),
		),
		sections,
	)
	return &CreateCommand{CommandDescription: desc}, nil
}

func (c *CreateCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &CreateSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.Interest <= 0 {
		return errors.New("--interest is required")
	}
	return withApp(func(a *app) error {
		cs, err := a.dir.CreateChat(ctx, s.Name, int64(s.Interest))
		if err != nil {
			return err
		}
		return gp.AddRow(ctx, chatRow(cs))
	})
}

type JoinSettings struct {
	InterestID string `glazed:"interest-id"`
}

type JoinCommand struct {
	*cmds.CommandDescription
}

func NewJoinCommand() (*JoinCommand, error) {
	sections, err := outputSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"join",
		cmds.WithShort("Join a chat matching an interest"),
		cmds.WithArguments(
			fields.New(
				"interest-id",
				fields.TypeString,
				fields.WithHelp("Interest to match"),
				fields.WithRequired(true),
			),
		),
		sections,
	)
	return &JoinCommand{CommandDescription: desc}, nil
}

func (c *JoinCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &JoinSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := parseInterestID(s.InterestID)
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		cs, err := a.dir.JoinByInterest(ctx, id)
		if err != nil {
			return err
		}
		return gp.AddRow(ctx, chatRow(cs))
	})
}

var (
	_ cmds.GlazeCommand = &CurrentCommand{}
	_ cmds.GlazeCommand = &HistoryCommand{}
	_ cmds.GlazeCommand = &LeaveCommand{}
	_ cmds.GlazeCommand = &CreateCommand{}
	_ cmds.GlazeCommand = &JoinCommand{}
)

func newDirectoryCommands() ([]*cobra.Command, error) {
	current, err := NewCurrentCommand()
	if err != nil {
		return nil, err
	}
	history, err := NewHistoryCommand()
	if err != nil {
		return nil, err
	}
	leave, err := NewLeaveCommand()
	if err != nil {
		return nil, err
	}
	create, err := NewCreateCommand()
	if err != nil {
		return nil, err
	}
	join, err := NewJoinCommand()
	if err != nil {
		return nil, err
	}

	var ret []*cobra.Command
	for _, c := range []cmds.GlazeCommand{current, history, leave, create, join} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return nil, err
		}
		ret = append(ret, cobraCmd)
	}
	return ret, nil
}
