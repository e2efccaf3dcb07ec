package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/db"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/server"
	"github.com/zulandar/customgpt/internal/store"
	"github.com/zulandar/customgpt/internal/store/mongostore"
	"github.com/zulandar/customgpt/internal/store/sqlstore"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and chat storage server",
		Long:  "Runs the HTTP server that forwards console requests to target endpoints and stores chat transcripts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) (err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(context.Background()); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close store: %w", cerr)).ErrorOrNil()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return server.Start(ctx, server.StartOpts{
		Config: *cfg,
		Store:  st,
		Out:    cmd.OutOrStdout(),
	})
}

// openStore builds the configured backend. Neither backend dials here, so
// the server starts even when the database is down.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	log := logging.For("serve")
	switch cfg.Driver {
	case config.DriverMongo:
		s, err := mongostore.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		log.WithField("database", cfg.Mongo.Database).Info("using mongo store")
		return s, nil
	case config.DriverSQLite, config.DriverMySQL:
		log.WithField("driver", cfg.Driver).Info("using sql store")
		return sqlstore.New(db.New(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
