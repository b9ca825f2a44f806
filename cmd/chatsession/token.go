package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsession/pkg/auth"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored bearer token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args[0]), "Bearer "))
			cred := auth.Decode(token)
			if cred == nil {
				return errors.New("token is empty")
			}
			if cred.ExpiredAt(time.Now()) {
				return errors.Errorf("token expired %s", humanize.Time(cred.ExpiresAt))
			}
			fs, err := auth.NewFileSource(settings.TokenFile)
			if err != nil {
				return err
			}
			if err := fs.Save(token); err != nil {
				return err
			}
			fmt.Printf("token saved to %s\n", fs.Path())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored token's subject and expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := auth.NewFileSource(settings.TokenFile)
			if err != nil {
				return err
			}
			cred := auth.Decode(fs.Token())
			if cred == nil {
				fmt.Println("no token stored")
				return nil
			}
			subject := cred.Subject
			if subject == "" {
				subject = "(opaque token)"
			}
			fmt.Printf("subject: %s\n", subject)
			switch {
			case cred.ExpiresAt.IsZero():
				fmt.Println("expires: unknown")
			case cred.ExpiredAt(time.Now()):
				fmt.Printf("expired: %s\n", humanize.Time(cred.ExpiresAt))
			default:
				fmt.Printf("expires: %s\n", humanize.Time(cred.ExpiresAt))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := auth.NewFileSource(settings.TokenFile)
			if err != nil {
				return err
			}
			return fs.Invalidate()
		},
	})

	return cmd
}
