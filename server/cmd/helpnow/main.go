package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"helpnow/server/internal/api"
	"helpnow/server/internal/config"
	"helpnow/server/internal/guide"
	"helpnow/server/internal/guideclient"
	"helpnow/server/internal/llm"
	"helpnow/server/internal/logging"
	"helpnow/server/internal/scenario"
	"helpnow/server/internal/session"
	"helpnow/server/internal/theme"
	"helpnow/server/internal/timeline"
)

func main() {
	// 密钥走环境变量（LLM_API_KEY / OPENAI_API_KEY 等），其余用配置文件
	configPath := flag.String("config", "", "config file path (yaml); empty uses defaults")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "helpnow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	catalog, err := loadCatalog(cfg.Guide.CatalogPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client llm.Client
	if cfg.Guide.EnableLLM {
		client, err = llm.NewClient(ctx, cfg.LLM)
		if err != nil {
			return fmt.Errorf("init llm client: %w", err)
		}
		logger.Info().Str("provider", cfg.LLM.Provider).Msg("llm guidance enabled")
	}

	guideSvc := guide.NewService(catalog, client, cfg.Guide, logging.Component(logger, "guide"))
	themeSvc := theme.NewService(theme.NewFileStore(cfg.Theme.Path), cfg.Theme, logger)

	server, err := api.NewServer(cfg, api.Deps{
		Guide:       guideSvc,
		Catalog:     catalog,
		GuideClient: guideclient.New(cfg.Guide.Endpoint, cfg.Guide.Timeout, logging.Component(logger, "guideclient")),
		Theme:       themeSvc,
		Sessions:    session.NewInMemoryStore(),
		Timeline:    timeline.NewInMemoryStore(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     server.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// 不设 WriteTimeout：WebSocket 是长连接，写超时由网关逐条设置
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Int("scenarios", len(catalog.All())).Msg("helpnow server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	return shutdown(httpSrv, server, cfg.Server, logger)
}

func shutdown(httpSrv *http.Server, server *api.Server, cfg config.ServerConfig, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// 先关会话，断开所有 WebSocket 连接
	server.Shutdown(ctx)
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func loadCatalog(path string) (*scenario.Catalog, error) {
	if path == "" {
		return scenario.Builtin(), nil
	}
	catalog, err := scenario.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario catalog: %w", err)
	}
	return catalog, nil
}
