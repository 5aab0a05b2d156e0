package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/coreplatform/workflow-orchestrator/internal/cluster"
	logpkg "github.com/coreplatform/workflow-orchestrator/internal/log"
	"github.com/coreplatform/workflow-orchestrator/internal/manifest"
	"github.com/coreplatform/workflow-orchestrator/internal/monitor"
	"github.com/coreplatform/workflow-orchestrator/internal/o11y"
	"github.com/coreplatform/workflow-orchestrator/internal/objectstore"
	apiconfig "github.com/coreplatform/workflow-orchestrator/internal/config"
	"github.com/coreplatform/workflow-orchestrator/internal/registry"
	"github.com/coreplatform/workflow-orchestrator/internal/service"
	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
	"github.com/coreplatform/workflow-orchestrator/internal/workflow"
)

// these will be set by the release configuration to appropriate values
// for the compiled binary.
var version string = "dev"

func main() {
	var configPath string
	var addr string
	flag.StringVar(&configPath, "config", "/etc/workflow-api/workflow-api.cfg", "path to the section-keyed configuration file")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.Parse()

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctx = setupLog(ctx)
	clog.InfoContext(ctx, "starting workflow-api", "version", version)

	if err := o11y.SetupTracing(ctx); err != nil {
		log.Fatal(err.Error())
	}

	if err := run(ctx, configPath, addr); err != nil {
		clog.ErrorContext(ctx, "fatal error", "error", err)
		log.Fatal(err.Error())
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, err := apiconfig.Load(configPath)
	if err != nil {
		return err
	}

	clusterAdapter, err := cluster.Setup(cluster.Config{
		KubeconfigPath:  cfg.WorkflowAPI.BackendKubeconfig,
		InCluster:       cfg.WorkflowAPI.BackendInCluster,
		ImagePullSecret: cfg.WorkflowAPI.BackendImagePullSecret,
		SideCarImage:    cfg.WorkflowAPI.BackendDataSideCarImage,
		JobStorageType:  cfg.WorkflowAPI.JobStorageType,
		JobStorageSize:  cfg.WorkflowAPI.JobStorageSize,
	})
	if err != nil {
		return err
	}

	bucket := cfg.WorkflowAPI.User + "-storage"
	store, err := objectstore.Setup(ctx, objectstore.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Secure:    cfg.Minio.Secure,
	}, bucket)
	if err != nil {
		return err
	}

	services, err := servicedesc.Load(cfg.WorkflowAPI.ServiceDescriptionsDir)
	if err != nil {
		return err
	}

	reg := registry.New()
	mon := monitor.New(clusterAdapter, reg)
	engine := workflow.New(clusterAdapter, reg, mon, workflow.Config{
		Namespace: cfg.WorkflowAPI.BackendNamespace,
		Backend: manifest.BackendConfig{
			ImagePullSecret: cfg.WorkflowAPI.BackendImagePullSecret,
			SideCarImage:    cfg.WorkflowAPI.BackendDataSideCarImage,
			JobStorageSize:  cfg.WorkflowAPI.JobStorageSize,
		},
		JobStorageType: cfg.WorkflowAPI.JobStorageType,
		InstantRemoval: cfg.WorkflowAPI.InstantRemoval,
	})

	facade := service.New(services, store, engine, service.Config{
		AccessToken:    cfg.WorkflowAPI.AccessToken,
		InstantRemoval: cfg.WorkflowAPI.InstantRemoval,
		GracePeriod:    cfg.WorkflowAPI.StoreResultGracePeriod,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           facade.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		clog.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// setupLog sets up the default logging configuration.
func setupLog(ctx context.Context) context.Context {
	logger := logpkg.New(slog.LevelInfo)
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
