package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/studify-ai/studify/pkg/flags"
)

func NewMigrateCommand() *cobra.Command {
	f := flags.NewDBFlags()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrates or initializes the database to the latest schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbc, err := f.GetDBClient()
			if err != nil {
				return errors.WithMessage(err, "could not connect to db")
			}
			defer dbc.Close()

			if err := dbc.UpdateSchema(); err != nil {
				return errors.WithMessage(err, "could not migrate db")
			}

			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
