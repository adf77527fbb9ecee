// pizzavoice: voice ordering relay for a pizza restaurant.
// Browsers stream microphone audio over /ws; the server relays it to the
// realtime model and bridges cart function calls back to the browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/pizzavoice/internal/config"
	"github.com/teslashibe/pizzavoice/internal/log"
	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/hub"
	"github.com/teslashibe/pizzavoice/pkg/orders"
	"github.com/teslashibe/pizzavoice/pkg/prompt"
	"github.com/teslashibe/pizzavoice/pkg/relay"
	"github.com/teslashibe/pizzavoice/pkg/token"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

var (
	version = "1.0.0"
	port    = flag.Int("port", 0, "HTTP server port (overrides PORT)")
	debug   = flag.Bool("debug", false, "Enable debug logging")
	envFile = flag.String("env", ".env", "dotenv file to load")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	logr := log.Init(log.Options{Level: level})

	fmt.Println()
	fmt.Println("🍕 Pizza Voice v" + version)
	fmt.Println("   Voice ordering relay")
	fmt.Println()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	lang, _ := prompt.ParseLanguage(cfg.Language)
	policy, err := relay.ParseCommitPolicy(cfg.CommitPolicy)
	if err != nil {
		return err
	}

	provider, err := upstream.NewOpenAI(
		upstream.WithAPIKey(cfg.APIKey),
		upstream.WithURL(cfg.RealtimeURL),
		upstream.WithModel(cfg.Model),
		upstream.WithLogger(logr),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := hub.New("monitor", logr)

	sinks := []orders.Sink{
		orders.LogSink{Logger: log.Component("orders")},
	}
	if cfg.RedisURL != "" {
		rdb, err := orders.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, orders.NewRedisSink(rdb, cfg.OrdersStream))
		logr.Info("redis order sink enabled", "stream", cfg.OrdersStream)
	}

	rl, err := relay.New(relay.Config{
		Provider:           provider,
		Catalog:            cat,
		Sink:               orders.Multi(sinks...),
		Monitor:            monitor,
		Language:           lang,
		ReconnectDelay:     cfg.ReconnectDelay,
		PendingCallTimeout: cfg.PendingCallTimeout,
		Commit: relay.CommitConfig{
			Policy:      policy,
			MinBytes:    cfg.MinBufferBytes,
			MinInterval: cfg.MinBufferTime,
		},
		Logger: logr,
	})
	if err != nil {
		return err
	}

	minter, err := token.New(token.Config{
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.APIBaseURL,
		Model:    cfg.Model,
		Catalog:  cat,
		Language: lang,
		Logger:   logr,
	})
	if err != nil {
		return err
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "pizzavoice",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	// WebSocket routes
	rl.RegisterRoutes(app)
	monitor.RegisterRoutes(app, "/ws/monitor")

	// API routes
	api := app.Group("/api")
	rl.RegisterAPIRoutes(api)
	minter.RegisterRoutes(api)

	// Health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": rl.Registry().Len(),
			"monitors": monitor.ClientCount(),
		})
	})

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return rl.Stats().WritePrometheus(c)
	})

	if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
		app.Static("/", cfg.StaticDir)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logr.Info("starting server",
			"addr", cfg.Addr(),
			"ws", fmt.Sprintf("ws://localhost:%d/ws", cfg.Port),
			"monitor", fmt.Sprintf("ws://localhost:%d/ws/monitor", cfg.Port),
			"language", lang,
			"commit_policy", policy,
		)
		return app.Listen(cfg.Addr())
	})

	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutting down")

		rl.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logr.Info("goodbye")
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}
