package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/claim"
	"github.com/rpattn/rowstage/internal/config"
	"github.com/rpattn/rowstage/internal/db"
	"github.com/rpattn/rowstage/internal/ingestion"
	"github.com/rpattn/rowstage/internal/metrics"
	"github.com/rpattn/rowstage/internal/middleware"
	"github.com/rpattn/rowstage/internal/repository"
	"github.com/rpattn/rowstage/internal/scheduler"
	"github.com/rpattn/rowstage/internal/staging"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/store/dynamo"
	"github.com/rpattn/rowstage/internal/store/memstore"
	"github.com/rpattn/rowstage/internal/update"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	logRepo   repository.IngestionLogRepository
	claims    *claim.Coordinator
	service   *ingestion.Service
	awsConfig *aws.Config

	sess    *session.Session
	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.awsConfig = aws.NewConfig().WithRegion(cfg.AWS.Region)
	if cfg.AWS.Endpoint != "" {
		a.awsConfig = a.awsConfig.WithEndpoint(cfg.AWS.Endpoint)
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	writer := staging.NewWriter(a.store, cfg.Writer.Staging(), logger.Named("writer"))
	a.claims = claim.New(a.store, claim.WithLogger(logger.Named("claim")))
	a.service = ingestion.NewService(
		a.store,
		writer,
		update.New(time.Now),
		a.logRepo,
		ingestion.Tables{Staging: cfg.Tables.Staging, Header: cfg.Tables.Header},
		logger.Named("ingestion"),
	)
	return a, nil
}

func (a *app) awsSession() (*session.Session, error) {
	if a.sess != nil {
		return a.sess, nil
	}
	sess, err := session.NewSession(a.awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	a.sess = sess
	return sess, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		a.store = memstore.New(a.cfg.Tables.Staging, a.cfg.Tables.Header)
	case config.BackendDynamoDB:
		sess, err := a.awsSession()
		if err != nil {
			return err
		}
		a.store = dynamo.New(dynamodb.New(sess))
	case config.BackendPostgres:
		conn, err := db.NewConnection(ctx, a.cfg.Database, a.logger.Named("db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		items := repository.NewItemStore(conn.Pool)
		if a.cfg.Store.Provision {
			for _, table := range []string{a.cfg.Tables.Staging, a.cfg.Tables.Header} {
				if err := items.EnsureTable(ctx, table); err != nil {
					return err
				}
			}
		}
		a.store = items
		a.logRepo = repository.NewIngestionLogRepository(conn.Pool)
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	a.logger.Info("store ready", zap.String("backend", a.cfg.Store.Backend))
	return nil
}

func (a *app) dispatcher(ctx context.Context) (scheduler.Dispatcher, error) {
	if a.cfg.Dispatch.Backend != config.DispatchSQS {
		return scheduler.LogDispatcher{Logger: a.logger.Named("dispatch")}, nil
	}
	sess, err := a.awsSession()
	if err != nil {
		return nil, err
	}
	return scheduler.NewSQSDispatcher(ctx, sqs.New(sess), a.cfg.Dispatch.QueueName)
}

func (a *app) newScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.New(a.cfg.SchedulerConfig(), a.store, a.claims, dispatcher, a.logger.Named("scheduler")), nil
}

// readSource loads a local file or an s3:// object. The S3 client is only
// built for s3 names.
func (a *app) readSource(ctx context.Context, name string) ([]byte, error) {
	var client s3iface.S3API
	if strings.HasPrefix(name, "s3://") {
		sess, err := a.awsSession()
		if err != nil {
			return nil, err
		}
		client = s3.New(sess)
	}
	return ingestion.ReadFileOrURL(ctx, name, client)
}

// handler is the full HTTP surface: the ingestion API, metrics and a health
// check, wrapped in CORS and request logging.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", ingestion.NewHTTPHandler(a.service, a.logger.Named("http")))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})
	return corsHandler.Handler(middleware.Logging(a.logger.Named("http"))(mux))
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
