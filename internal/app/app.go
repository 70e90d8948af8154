package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/user/go-argo-reconciler/internal/config"
	"github.com/user/go-argo-reconciler/internal/differ"
	"github.com/user/go-argo-reconciler/internal/gitpoller"
	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/kubehandler"
	"github.com/user/go-argo-reconciler/internal/reconciler"
	"github.com/user/go-argo-reconciler/internal/server"
	"github.com/user/go-argo-reconciler/internal/status"
	"github.com/user/go-argo-reconciler/internal/storage"
	"github.com/user/go-argo-reconciler/internal/syncerr"
	"github.com/user/go-argo-reconciler/internal/worker"
)

// App wires the storage, the reconciler, the application worker and the
// HTTP API together.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	storage *storage.EncryptedFileStorage
	results *status.Store
	worker  *worker.Worker
	server  *server.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	dataStorage, err := storage.NewEncryptedFileStorage(cfg.StorageFile, cfg.EncryptionKey, logger.WithField("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	rec := reconciler.NewReconciler(reconciler.Config{
		Retry: reconciler.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Factor:      cfg.Retry.Factor,
			Jitter:      cfg.Retry.Jitter,
		},
		OperationTimeout: cfg.OperationTimeout,
		MaxSyncAttempts:  cfg.MaxSyncAttempts,
		Rank:             rankFunc(cfg.Rank),
	}, logger.WithField("component", "reconciler"))

	a := &App{
		cfg:     cfg,
		logger:  logger,
		storage: dataStorage,
		results: status.NewStore(),
	}
	a.worker = worker.NewWorker(dataStorage, rec, a.results, worker.Options{
		Source:       a.newSource,
		Target:       a.newTarget,
		PollInterval: cfg.PollInterval(),
	}, logger.WithField("component", "worker"))
	a.server = server.NewServer(a.worker, cfg.WebhookSecret, logger.WithField("component", "server"))

	logger.Info("Application components initialized successfully.")
	return a, nil
}

// rankFunc maps the rank setting to an operation ordering.
func rankFunc(name string) differ.RankFunc {
	if name == config.RankKind {
		return differ.KindRank
	}
	return differ.DeclarationOrder
}

// Run starts the worker and the HTTP server and blocks until ctx is
// cancelled or either of them fails.
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.worker.Run(groupCtx)
	})
	group.Go(func() error {
		return a.server.Start(groupCtx, a.cfg.ListenAddr)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("application stopped: %w", err)
	}
	a.logger.Info("Application shut down successfully.")
	return nil
}

// newSource builds the git source of an application. With a cache directory
// configured each application keeps its mirror under a directory named
// after it, so fetches survive restarts.
func (a *App) newSource(app interfaces.ManagedApplication) (interfaces.StateSource, error) {
	localPath := ""
	if a.cfg.RepoCacheDir != "" {
		localPath = filepath.Join(a.cfg.RepoCacheDir, app.Name)
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create repository cache: %w", err)
		}
	}
	return gitpoller.NewGitPoller(app.Source, localPath, a.logger.WithField("app", app.Name))
}

// newTarget connects to the destination cluster of an application. An
// inline kubeconfig wins over the configured path; with neither, the
// in-cluster configuration is used.
func (a *App) newTarget(app interfaces.ManagedApplication) (interfaces.Target, error) {
	kh, err := kubehandler.NewKubeHandler(a.cfg.KubeconfigPath, []byte(app.Destination.KubeConfig), a.logger.WithField("app", app.Name))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrTargetUnreachable, err)
	}
	return kh, nil
}
