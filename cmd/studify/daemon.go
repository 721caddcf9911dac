package main

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/flags"
	"github.com/studify-ai/studify/pkg/studifyserver"
)

type DaemonFlags struct {
	DBFlags        *flags.DBFlags
	ChatFlags      *flags.ChatFlags
	RetentionFlags *flags.RetentionFlags

	MetricsAddr string
}

func NewDaemonFlags() *DaemonFlags {
	return &DaemonFlags{
		DBFlags:        flags.NewDBFlags(),
		ChatFlags:      flags.NewChatFlags(),
		RetentionFlags: flags.NewRetentionFlags(),
	}
}

func (f *DaemonFlags) BindFlags(fs *pflag.FlagSet) {
	f.DBFlags.BindFlags(fs)
	f.ChatFlags.BindFlags(fs)
	f.RetentionFlags.BindFlags(fs)

	fs.StringVar(&f.MetricsAddr, "listen-metrics", f.MetricsAddr, "The address to serve prometheus metrics on")
}

func (f *DaemonFlags) Validate() error {
	if err := f.ChatFlags.Validate(); err != nil {
		return err
	}
	return f.RetentionFlags.Validate()
}

func NewDaemonCommand() *cobra.Command {
	f := NewDaemonFlags()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run background jobs such as chat history retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return errors.WithMessage(err, "error validating options")
			}

			processes := make([]studifyserver.DaemonProcess, 0)

			if f.RetentionFlags.Enabled() {
				dbc, err := f.DBFlags.GetDBClient()
				if err != nil {
					return err
				}
				defer dbc.Close()

				store, closeStore, err := f.ChatFlags.GetHistoryStore(dbc)
				if err != nil {
					return errors.WithMessage(err, "couldn't open history store")
				}
				defer closeStore() //nolint:errcheck

				processes = append(processes, studifyserver.NewRetentionProcess(store,
					f.RetentionFlags.Keep, f.RetentionFlags.Interval))
			}

			daemonServer := studifyserver.NewDaemonServer(processes)

			// Serve our metrics endpoint for prometheus to scrape
			if f.MetricsAddr != "" {
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					err := http.ListenAndServe(f.MetricsAddr, nil) //nolint
					if err != nil {
						log.WithError(err).Error("metrics listener stopped")
					}
				}()
			}

			daemonServer.Serve(cmd.Context())
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
