package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"plateworks/internal/httpapi"
	"plateworks/internal/imagecheck"
	"plateworks/internal/infra"
	"plateworks/internal/providers/fal"
	"plateworks/internal/providers/genai"
	provimage "plateworks/internal/providers/image"
	"plateworks/internal/providers/openai"
	"plateworks/internal/providers/planner"
	"plateworks/internal/providers/vertex"
	"plateworks/internal/pubsub"
	"plateworks/internal/runner"
	"plateworks/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	store, err := storage.NewStore(cfg.DataDir, cfg.LegacyDataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	bus := pubsub.NewBus()

	providerHTTP := &http.Client{Timeout: cfg.ProviderTimeout}

	geminiClient := genai.NewClient(genai.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiImageModel,
		HTTPClient: providerHTTP,
		Logger:     &logger,
	})
	vertexClient := vertex.NewClient(vertex.Options{
		ProjectID:   cfg.VertexProjectID,
		Location:    cfg.VertexLocation,
		Model:       cfg.VertexModel,
		AccessToken: cfg.VertexAccessToken,
		HTTPClient:  providerHTTP,
	})
	openaiClient := openai.NewClient(openai.Options{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIImageModel,
		HTTPClient: providerHTTP,
	})
	falClient := fal.NewClient(fal.Options{
		APIKey:       cfg.FalAPIKey,
		BaseURL:      cfg.FalBaseURL,
		BgModel:      cfg.FalBGModel,
		UpscaleModel: cfg.FalUpscaleModel,
		HTTPClient:   providerHTTP,
	})
	plan := planner.New(planner.Options{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiPlanModel,
	})

	run := runner.New(runner.Options{
		Store:   store,
		Bus:     bus,
		Checker: imagecheck.NewChecker(),
		Editors: []provimage.Editor{
			provimage.NewGeminiEditor(geminiClient),
			provimage.NewVertexEditor(vertexClient),
			provimage.NewOpenAIEditor(openaiClient),
		},
		Remover:  falClient,
		Upscaler: falClient,
		Planner:  plan,
		Logger:   logger,
	})

	app := httpapi.NewApp(httpapi.Options{
		Runner: run,
		Store:  store,
		Bus:    bus,
		Logger: logger,
	})
	server := infra.NewHTTPServer(cfg, app.Router(cfg.AllowedOrigins))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting http server")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPReadTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
