// Package syncer wires the GitLab client, stores, orchestrator, scheduler,
// and HTTP server into a single application.
package syncer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/config"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/creds"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/gitlab"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/ingest"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/observe"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/scheduler"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/server"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/store"
)

// Syncer is the application orchestrator for both daemon mode and one-shot
// invocations.
type Syncer struct {
	config      *config.Config
	orch        *ingest.Orchestrator
	scheduler   *scheduler.Scheduler
	queue       *scheduler.RunQueue
	server      *server.Server
	records     store.RecordStore
	checkpoints store.CheckpointStore
	logger      *logrus.Entry

	// runCtx bounds on-demand webhook runs; set when Run starts.
	runCtx context.Context
}

// New builds the full application from cfg:
//  1. Record and checkpoint stores (DynamoDB or in-memory; optional Redis
//     for checkpoints).
//  2. Credential provider chain (config token, then environment).
//  3. Observability sinks (log + Prometheus).
//  4. Ingestion orchestrator.
//  5. Scheduler, run queue, and HTTP server for daemon mode.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*Syncer, error) {
	log := logger.WithField("component", "syncer")

	// --- Stores ---
	records, checkpoints, err := buildStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// --- Credentials ---
	chain := creds.Chain{}
	if cfg.GitLab.Token != "" {
		chain = append(chain, creds.Static{cfg.GitLab.TokenEnv: cfg.GitLab.Token})
	}
	chain = append(chain, creds.Env{})

	// --- Observability ---
	promRegistry := prometheus.NewRegistry()
	sink := observe.NewMulti(log,
		observe.NewLogSink(logger.WithField("component", "run_summary")),
		observe.NewPromSink(promRegistry),
	)

	// --- Orchestrator ---
	gitlabLog := logger.WithField("component", "gitlab")
	newFetcher := func(token string) (ingest.Fetcher, error) {
		return gitlab.New(gitlab.Options{
			BaseURL:     cfg.GitLab.URL,
			Token:       token,
			Project:     cfg.GitLab.Project,
			MaxRPS:      cfg.GitLab.MaxRPS,
			Burst:       cfg.GitLab.BurstRPS,
			PageSize:    cfg.GitLab.PageSize,
			PageTimeout: cfg.GitLab.PageTimeout(),
			UseGraphQL:  cfg.GitLab.UseGraphQL,
		}, gitlabLog)
	}

	orch := ingest.New(ingest.Params{
		Source:      cfg.GitLab.Project,
		TokenName:   cfg.GitLab.TokenEnv,
		TTL:         cfg.Sync.RecordTTL(),
		Credentials: chain,
		NewFetcher:  newFetcher,
		Records:     records,
		Checkpoints: checkpoints,
		Sink:        sink,
		Logger:      logger.WithField("component", "ingest"),
	})

	// --- Scheduler and queue ---
	queue := scheduler.NewRunQueue(16, log)
	sched := scheduler.NewScheduler(log)

	s := &Syncer{
		config:      cfg,
		orch:        orch,
		scheduler:   sched,
		queue:       queue,
		records:     records,
		checkpoints: checkpoints,
		logger:      log,
	}

	sched.AddTask(scheduler.NewTask("sync", cfg.Sync.Interval(), func(ctx context.Context) error {
		sum := orch.Run(ctx)
		if sum.Outcome == ingest.OutcomeFailed {
			return sum.Err
		}
		return nil
	}, log))

	// --- Webhook + HTTP server ---
	var webhook http.Handler
	if cfg.Server.Webhook.Enabled {
		wh := server.NewWebhookHandler(cfg.Server.Webhook.SecretToken, cfg.GitLab.Project, log)
		wh.SetOnMergeRequestEvent(func(projectPath string) {
			queue.Enqueue(func() {
				s.orch.Run(s.runCtx)
			})
		})
		webhook = wh
	}
	s.server = server.NewServer(cfg, promRegistry, webhook, log)

	return s, nil
}

func buildStores(ctx context.Context, cfg *config.Config, log *logrus.Entry) (store.RecordStore, store.CheckpointStore, error) {
	var records store.RecordStore
	var checkpoints store.CheckpointStore

	switch cfg.Store.Backend {
	case "dynamodb":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Store.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Store.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config: %w", err)
		}

		dyn, err := store.NewDynamo(awsCfg, cfg.Store.Table,
			store.WithDynamoOpTimeout(cfg.Sync.StoreTimeout()))
		if err != nil {
			return nil, nil, fmt.Errorf("creating dynamodb store: %w", err)
		}
		if err := dyn.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("validating dynamodb table: %w", err)
		}
		records, checkpoints = dyn, dyn
		log.WithField("table", cfg.Store.Table).Info("using DynamoDB store")

	default:
		mem := store.NewMemory()
		records, checkpoints = mem, mem
		log.Info("using in-memory store")
	}

	if cfg.Checkpoint.RedisURL != "" {
		rc, err := store.NewRedisCheckpoint(cfg.Checkpoint.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis checkpoint store: %w", err)
		}
		checkpoints = rc
		log.Info("using Redis checkpoint store")
	}

	return records, checkpoints, nil
}

// RunOnce executes a single ingestion run and returns its summary. Used by
// the one-shot CLI command and the Lambda handler.
func (s *Syncer) RunOnce(ctx context.Context) ingest.Summary {
	return s.orch.Run(ctx)
}

// Run starts the scheduler, run queue, and HTTP server, then blocks until
// ctx is cancelled. On cancellation it performs a graceful shutdown.
func (s *Syncer) Run(ctx context.Context) error {
	s.runCtx = ctx

	go s.queue.Start(ctx)
	s.scheduler.Start(ctx)

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	s.server.SetReady(true)
	s.logger.Info("syncer is ready")

	<-ctx.Done()

	s.logger.Info("shutting down syncer")
	s.server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("error during server shutdown")
	}

	s.scheduler.Stop()
	s.closeStores()

	return nil
}

// Close releases store resources for one-shot invocations that never call
// Run.
func (s *Syncer) Close() {
	s.closeStores()
}

func (s *Syncer) closeStores() {
	if err := s.records.Close(); err != nil {
		s.logger.WithError(err).Error("error closing record store")
	}
	// The checkpoint store may be the same object as the record store.
	if any(s.checkpoints) == any(s.records) {
		return
	}
	if err := s.checkpoints.Close(); err != nil {
		s.logger.WithError(err).Error("error closing checkpoint store")
	}
}
