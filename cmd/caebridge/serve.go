package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"caebridge/internal/api"
	"caebridge/internal/apply"
	"caebridge/internal/config"
	"caebridge/internal/history"
	"caebridge/internal/jobs"
	"caebridge/internal/learning"
	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/plan"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/run"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server and the background job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log := logging.Get(logging.CategoryBoot)

	cats, err := config.LoadCatalogs(cfg.CatalogDir())
	if err != nil {
		return err
	}

	repo, err := repository.NewStore(filepath.Join(cfg.DataDir, "repository"))
	if err != nil {
		return err
	}
	stopWatch, err := repo.WatchSettings()
	if err != nil {
		return err
	}
	defer stopWatch()

	ruleStore, err := rules.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	hintStore, err := learning.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	histStore, err := history.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	plans := plan.NewStore(cfg.DataDir)

	engine := &matching.Engine{
		Repo:     repo,
		Rules:    ruleStore,
		Hints:    hintStore,
		History:  histStore,
		Catalogs: cats,
	}
	builder := &plan.Builder{Engine: engine, Repo: repo}
	runs := run.NewManager(cfg.DataDir, cfg.Browser.RiskWarningLimit)

	queue, err := jobs.NewQueue(cfg.DataDir)
	if err != nil {
		return err
	}
	applySvc := apply.NewService(cfg, cats, repo, ruleStore, histStore, plans, runs)
	api.RegisterApplyJobHandler(queue, applySvc)

	server := api.NewServer(cfg, cats, repo, ruleStore, hintStore, histStore,
		plans, builder, runs, queue, applySvc)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Start(ctx, cfg.Jobs.PoolSize)
	})
	g.Go(func() error {
		log.Infow("listening", "addr", cfg.ListenAddr, "env", cfg.Environment,
			"uploader", cfg.Browser.Uploader)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infow("stopped")
	return nil
}
