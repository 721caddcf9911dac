package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/flags"
	"github.com/studify-ai/studify/pkg/studifyserver"
)

type PruneFlags struct {
	DBFlags   *flags.DBFlags
	ChatFlags *flags.ChatFlags

	Keep    int
	UserID  uint
	Session string
}

func NewPruneFlags() *PruneFlags {
	return &PruneFlags{
		DBFlags:   flags.NewDBFlags(),
		ChatFlags: flags.NewChatFlags(),
		Keep:      100,
	}
}

func (f *PruneFlags) BindFlags(fs *pflag.FlagSet) {
	f.DBFlags.BindFlags(fs)
	f.ChatFlags.BindFlags(fs)

	fs.IntVar(&f.Keep, "keep", f.Keep, "Number of most recent turns to keep per session")
	fs.UintVar(&f.UserID, "user", f.UserID, "Only prune sessions of this user id")
	fs.StringVar(&f.Session, "session", f.Session, "Only prune this session, requires --user")
}

func (f *PruneFlags) Validate() error {
	if f.Keep < 1 {
		return errors.New("--keep must be at least 1")
	}
	if f.Session != "" && f.UserID == 0 {
		return errors.New("--session requires --user")
	}
	return f.ChatFlags.Validate()
}

func NewPruneCommand() *cobra.Command {
	f := NewPruneFlags()

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Trim chat history down to the most recent turns of each session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return errors.WithMessage(err, "error validating options")
			}

			dbc, err := f.DBFlags.GetDBClient()
			if err != nil {
				return errors.WithMessage(err, "couldn't get DB client")
			}
			defer dbc.Close()

			store, closeStore, err := f.ChatFlags.GetHistoryStore(dbc)
			if err != nil {
				return errors.WithMessage(err, "couldn't open history store")
			}
			defer closeStore() //nolint:errcheck

			ctx := cmd.Context()
			if f.Session != "" {
				removed, err := store.Prune(ctx, f.UserID, f.Session, f.Keep)
				if err != nil {
					return err
				}
				log.WithFields(log.Fields{
					"user":    f.UserID,
					"session": f.Session,
					"removed": removed,
				}).Info("pruned session")
				return nil
			}

			if f.UserID != 0 {
				refs, err := store.Sessions(ctx)
				if err != nil {
					return err
				}
				var removed int64
				for _, ref := range refs {
					if ref.UserID != f.UserID {
						continue
					}
					n, err := store.Prune(ctx, ref.UserID, ref.SessionKey, f.Keep)
					if err != nil {
						return err
					}
					removed += n
				}
				log.WithFields(log.Fields{
					"user":    f.UserID,
					"removed": removed,
				}).Info("pruned user sessions")
				return nil
			}

			_, err = studifyserver.PruneAllSessions(ctx, store, f.Keep)
			return err
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
