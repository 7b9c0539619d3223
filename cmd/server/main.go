package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/rowstage/internal/config"
	"github.com/rpattn/rowstage/internal/db"
	"github.com/rpattn/rowstage/internal/ingestion"
	"github.com/rpattn/rowstage/internal/logging"
	"github.com/rpattn/rowstage/internal/scheduler"
)

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "rowstage",
		Short:        "Stage tabular uploads and hand them to row workers",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", ".", "directory containing config.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newIngestCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func setup(opts *rootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ingestion scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		if sched, err = a.newScheduler(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if sched != nil {
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

type ingestOptions struct {
	DomainName     string
	PolicyID       string
	OrganizationID string
	UploadedBy     string
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	in := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest <file|s3://bucket/key>",
		Short: "Stage one CSV or XLSX file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return ingestFile(cmd, a, args[0], in)
		},
	}
	cmd.Flags().StringVar(&in.DomainName, "domain", "", "domain name the rows belong to (required)")
	cmd.Flags().StringVar(&in.PolicyID, "policy", "", "policy id (required)")
	cmd.Flags().StringVar(&in.OrganizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&in.UploadedBy, "user", "", "uploader id")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func ingestFile(cmd *cobra.Command, a *app, name string, in *ingestOptions) error {
	ctx := cmd.Context()
	data, err := a.readSource(ctx, name)
	if err != nil {
		return err
	}
	summary, err := a.service.IngestFile(ctx, ingestion.FileRequest{
		OrganizationID: in.OrganizationID,
		UserID:         in.UploadedBy,
		DomainName:     in.DomainName,
		PolicyID:       in.PolicyID,
		FileName:       filepath.Base(name),
		Data:           bytes.NewReader(data),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return db.RunMigrations(cfg.Database, logger.Named("migrate"))
		},
	}
}
