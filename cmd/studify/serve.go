package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/flags"
	"github.com/studify-ai/studify/pkg/gateway"
	"github.com/studify-ai/studify/pkg/studifyserver"
	"github.com/studify-ai/studify/pkg/studifyserver/metrics"
)

type ServerFlags struct {
	AIFlags        *flags.AIFlags
	APIFlags       *flags.APIFlags
	AuthFlags      *flags.AuthFlags
	CacheFlags     *flags.CacheFlags
	ChatFlags      *flags.ChatFlags
	DBFlags        *flags.DBFlags
	RetentionFlags *flags.RetentionFlags

	InitDatabase bool
}

func NewServerFlags() *ServerFlags {
	return &ServerFlags{
		AIFlags:        flags.NewAIFlags(),
		APIFlags:       flags.NewAPIFlags(),
		AuthFlags:      flags.NewAuthFlags(),
		CacheFlags:     flags.NewCacheFlags(),
		ChatFlags:      flags.NewChatFlags(),
		DBFlags:        flags.NewDBFlags(),
		RetentionFlags: flags.NewRetentionFlags(),
	}
}

func (f *ServerFlags) BindFlags(flagSet *pflag.FlagSet) {
	f.AIFlags.BindFlags(flagSet)
	f.APIFlags.BindFlags(flagSet)
	f.AuthFlags.BindFlags(flagSet)
	f.CacheFlags.BindFlags(flagSet)
	f.ChatFlags.BindFlags(flagSet)
	f.DBFlags.BindFlags(flagSet)
	f.RetentionFlags.BindFlags(flagSet)

	flagSet.BoolVar(&f.InitDatabase, "init-database", f.InitDatabase, "Migrate the database schema before serving")
}

func (f *ServerFlags) Validate() error {
	for _, v := range []interface{ Validate() error }{
		f.AIFlags,
		f.AuthFlags,
		f.ChatFlags,
		f.RetentionFlags,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return f.ChatFlags.ValidateTurnBudget(f.AIFlags.Timeout)
}

func NewServeCommand() *cobra.Command {
	f := NewServerFlags()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the studify server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return errors.WithMessage(err, "error validating options")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dbc, err := f.DBFlags.GetDBClient()
			if err != nil {
				return errors.WithMessage(err, "couldn't get DB client")
			}
			defer dbc.Close()

			if f.InitDatabase {
				if err := dbc.UpdateSchema(); err != nil {
					return errors.WithMessage(err, "could not migrate db")
				}
			}

			redisClient, err := f.CacheFlags.GetRedisClient()
			if err != nil {
				return errors.WithMessage(err, "couldn't get redis client")
			}
			if redisClient != nil {
				defer redisClient.Close()
			}

			identityService, err := f.AuthFlags.GetIdentityService(dbc, f.CacheFlags.GetCacheClient(redisClient))
			if err != nil {
				return errors.WithMessage(err, "couldn't create identity service")
			}

			store, closeStore, err := f.ChatFlags.GetHistoryStore(dbc)
			if err != nil {
				return errors.WithMessage(err, "couldn't open history store")
			}
			defer closeStore() //nolint:errcheck

			locker, err := f.ChatFlags.GetLocker(redisClient)
			if err != nil {
				return err
			}

			personas, err := f.AIFlags.GetPersonaTable()
			if err != nil {
				return errors.WithMessage(err, "couldn't load personas")
			}

			chatGateway := gateway.New(gateway.Config{
				Store:         store,
				Identity:      identityService,
				Relay:         f.AIFlags.GetRelay(),
				Personas:      personas,
				Locker:        locker,
				WindowLimit:   f.ChatFlags.WindowLimit,
				CommitTimeout: f.ChatFlags.CommitTimeout,
			})

			server := studifyserver.NewServer(
				f.APIFlags.ListenAddr,
				dbc,
				store,
				identityService,
				chatGateway,
				f.APIFlags.StaticDir,
			)

			if f.RetentionFlags.Enabled() {
				retention := studifyserver.NewRetentionProcess(store, f.RetentionFlags.Keep, f.RetentionFlags.Interval)
				go retention.Run(ctx)
			}

			if f.APIFlags.MetricsAddr != "" {
				// Do an immediate metrics update
				if err := metrics.RefreshMetricsDB(ctx, dbc); err != nil {
					log.WithError(err).Error("error refreshing metrics")
				}

				// Refresh our metrics every 5 minutes:
				go func() {
					ticker := time.NewTicker(5 * time.Minute)
					defer ticker.Stop()
					for {
						select {
						case <-ticker.C:
							if err := metrics.RefreshMetricsDB(ctx, dbc); err != nil {
								log.WithError(err).Error("error refreshing metrics")
							}
						case <-ctx.Done():
							return
						}
					}
				}()

				// Serve our metrics endpoint for prometheus to scrape
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					err := http.ListenAndServe(f.APIFlags.MetricsAddr, nil) //nolint
					if err != nil {
						log.WithError(err).Error("metrics listener stopped")
						os.Exit(1)
					}
				}()
			}

			return server.Serve(ctx)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

