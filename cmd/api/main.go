package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"clinicgen/internal/http/handlers"
	"clinicgen/internal/http/httpapi"
	"clinicgen/internal/imagegen"
	"clinicgen/internal/infra"
	"clinicgen/internal/infra/geoip"
	"clinicgen/internal/storage"
	"clinicgen/internal/viewer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLoggerWithFile(cfg.AppEnv, cfg.LogFile)

	ctx := context.Background()

	// The gallery index is optional; without a database only files are kept.
	var sqlExec infra.SQLExecutor
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		sqlExec = infra.NewSQLRunner(dbpool, logger)
	}

	geo, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer geo.Close()

	files, err := storage.NewFileStore(cfg.GalleryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open gallery")
	}
	gallery := storage.NewGallery(files, sqlExec, &logger)
	if err := gallery.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare gallery index")
	}

	client, err := imagegen.NewClient(imagegen.ClientOptions{
		Endpoint: cfg.GenerationEndpoint,
		Timeout:  cfg.GenerationTimeout,
		Logger:   &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid generation endpoint")
	}

	var limiter *rate.Limiter
	if cfg.GenerationRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GenerationRPS), cfg.GenerationBurst)
	}
	dispatcher := imagegen.NewDispatcher(client, imagegen.DispatcherOptions{
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxParallel:    cfg.MaxParallel,
		RequestTimeout: cfg.GenerationTimeout,
		Limiter:        limiter,
		Logger:         &logger,
	})

	app := &handlers.App{
		Dispatcher:   dispatcher,
		Viewer:       viewer.New(dispatcher, client, gallery, &logger),
		Gallery:      gallery,
		Logger:       &logger,
		DefaultCount: cfg.BatchSize,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          &logger,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   geo.Lookup(),
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().
			Str("addr", server.Addr()).
			Str("endpoint", client.Endpoint()).
			Int("batch_size", cfg.BatchSize).
			Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	dispatcher.Reset()
	logger.Info().Msg("server stopped")
}
