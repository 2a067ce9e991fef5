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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/auth"
	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/config"
	"github.com/Brownie44l1/cropguard-api/internal/handlers"
	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
	"github.com/Brownie44l1/cropguard-api/internal/model"
	"github.com/Brownie44l1/cropguard-api/internal/pipeline"
	"github.com/Brownie44l1/cropguard-api/internal/reporting"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	var (
		configF     = flag.String("config", "", "Path to a YAML config file")
		releaseF    = flag.Bool("release", false, "Run gin in release mode")
		issueTokenF = flag.String("issue-token", "", "Print an API token for the named client and exit")
	)
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("[Main] Failed to read .env: %v", err)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	cfg.ConfigureLogging()
	if *releaseF {
		cfg.Server.Release = true
	}

	if *issueTokenF != "" {
		if err := issueToken(cfg, *issueTokenF); err != nil {
			log.Fatalf("[Main] %v", err)
		}
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("[Main] %v", err)
	}
}

func issueToken(cfg *config.Config, client string) error {
	manager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if manager == nil {
		return errors.New("JWT_SECRET must be set to issue tokens")
	}
	token, expiresAt, err := manager.GenerateToken(client)
	if err != nil {
		return err
	}
	fmt.Println(token)
	log.Infof("[Main] Token for %s expires at %s", client, expiresAt.Format("2006-01-02 15:04:05"))
	return nil
}

func run(cfg *config.Config) error {
	reporter, err := reporting.New(cfg.Sentry.DSN, cfg.Sentry.Environment, Version)
	if err != nil {
		return err
	}
	defer reporter.Close()

	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return err
	}
	cat, err := catalog.New(meta.Classes)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrModelLoad, err)
	}

	codecOpts := meta.CodecOptions()
	codecOpts.Resize = imagecodec.ResizePolicy(cfg.Model.ResizePolicy)
	codecOpts.MaxBytes = cfg.Server.MaxUploadBytes
	codecOpts.MaxPixels = cfg.Model.MaxPixels
	codec, err := imagecodec.New(codecOpts)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrModelLoad, err)
	}

	log.WithFields(log.Fields{
		"model":   cfg.Model.Path,
		"classes": cat.Len(),
		"workers": cfg.Model.Workers,
	}).Info("[Main] Loading model")

	rt, err := model.OpenRuntime(cfg.Model.RuntimeLibrary)
	if err != nil {
		return err
	}
	defer rt.Close()

	engine, err := model.NewEngine(meta, rt.Factory(cfg.Model.Path, meta, cfg.Model.Threads), model.Options{
		Workers:   cfg.Model.Workers,
		QueueSize: cfg.Model.QueueSize,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	advisor, err := newAdvisor(cfg)
	if err != nil {
		return err
	}

	p := pipeline.New(codec, engine, cat, advisor, pipeline.Options{
		RequestTimeout:  cfg.Server.RequestTimeout,
		Enrich:          cfg.Treatment.Enrich,
		ModelIdentifier: meta.Identifier(),
		Reporter:        reporter,
	})

	if cfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(p, engine, handlers.Options{
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		Device:            cfg.Model.Device,
		CheckpointPath:    cfg.Model.Path,
		TreatmentStrategy: string(advisor.Strategy()),
		LLMStatus:         advisor.LLMStatus(),
	})
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if jwtManager != nil {
		log.Info("[Main] Bearer authentication enabled")
	}
	router := handlers.NewRouter(h, handlers.RouterOptions{JWT: jwtManager, Reporter: reporter})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.WithFields(log.Fields{
			"port":     cfg.Server.Port,
			"model":    meta.Identifier(),
			"strategy": advisor.Strategy(),
		}).Info("[Main] Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Infof("[Main] Exiting (%v)", <-errc)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("[Main] Failed to shutdown server: %v", err)
	}
	log.Info("[Main] Server exited")
	return nil
}

func newAdvisor(cfg *config.Config) (*treatment.Advisor, error) {
	kb, err := treatment.LoadKnowledgeBase(cfg.Treatment.KnowledgeBasePath)
	if err != nil {
		return nil, err
	}
	log.Infof("[Main] Loaded %d knowledge base entries from %s", kb.Len(), kb.Source())

	var gen treatment.Generator
	if cfg.Treatment.APIKey != "" {
		gen, err = treatment.NewOpenRouterGenerator(treatment.OpenRouterConfig{
			APIKey:  cfg.Treatment.APIKey,
			BaseURL: cfg.Treatment.BaseURL,
			Model:   cfg.Treatment.Model,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("[Main] OPENROUTER_API_KEY not set, generated treatment advice disabled")
	}

	var cache treatment.Cache
	if cfg.Redis.Address != "" {
		pool := treatment.NewRedisPool(cfg.Redis.Address, cfg.Redis.MaxConnections)
		redisCache := treatment.NewRedisCache(pool, cfg.Redis.TTL)
		if err := redisCache.Ping(); err != nil {
			pool.Close()
			log.Warnf("[Main] Redis at %s unreachable, continuing without cache: %v", cfg.Redis.Address, err)
		} else {
			cache = redisCache
			log.Infof("[Main] Treatment cache enabled at %s", cfg.Redis.Address)
		}
	}

	strategy, err := treatment.ParseStrategy(cfg.Treatment.Strategy)
	if err != nil {
		return nil, err
	}
	return treatment.NewAdvisor(kb, gen, treatment.Options{
		Strategy: strategy,
		Timeout:  cfg.Treatment.Timeout,
		Cache:    cache,
	})
}
