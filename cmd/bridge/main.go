package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	gconfig "github.com/goliatone/go-config/config"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	bridge "github.com/goliatone/go-auth-bridge"
	"github.com/goliatone/go-auth-bridge/config"
	"github.com/goliatone/go-auth-bridge/provider/client"
	"github.com/goliatone/go-auth-bridge/sessioncache"
)

type App struct {
	config     *gconfig.Container[*config.BaseConfig]
	localDB    *bun.DB
	providerDB *bun.DB
	repo       bridge.RepositoryManager
	bridge     *bridge.Bridge
	srv        router.Server[*fiber.App]
	metrics    *http.Server
	redis      *redis.Client
	logger     *glog.BaseLogger
}

func (a *App) Config() *config.BaseConfig {
	return a.config.Raw()
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("app"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)

	cfg := gconfig.New(&config.BaseConfig{}).
		WithLogger(lgr.GetLogger("config"))

	ctx := context.Background()
	if err := cfg.Load(ctx); err != nil {
		panic(err)
	}

	fmt.Println("============")
	fmt.Println(print.MaybeHighlightJSON(cfg.Raw()))
	fmt.Println("============")

	app := &App{
		config: cfg,
		logger: lgr,
	}

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	if err := WithBridge(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	app.srv.Serve(app.Config().GetServer().Address)

	sig := WaitExitSignal()
	app.GetLogger("app").Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Shutdown(shutdownCtx)
}

func WithPersistence(ctx context.Context, app *App) error {
	local, err := openStore(ctx, app, "local", app.Config().GetLocalPersistence(), bridge.LocalMigrationsFS, bridge.LocalMigrationsDir)
	if err != nil {
		return err
	}

	provider, err := openStore(ctx, app, "provider", app.Config().GetProviderPersistence(), bridge.ProviderMigrationsFS, bridge.ProviderMigrationsDir)
	if err != nil {
		return err
	}

	app.localDB = local
	app.providerDB = provider
	app.repo = bridge.NewRepositoryManager(local, provider, time.Now)

	return app.repo.Validate()
}

func openStore(ctx context.Context, app *App, name string, cfg config.Persistence, migrations func() (fs.FS, error), label string) (*bun.DB, error) {
	db, err := sql.Open(sqliteshim.ShimName, cfg.GetDSN())
	if err != nil {
		return nil, err
	}

	client, err := persistence.New(cfg, db, sqlitedialect.New())
	if err != nil {
		return nil, err
	}

	client.SetLogger(app.GetLogger("persistence:" + name))

	migrationsFS, err := migrations()
	if err != nil {
		return nil, err
	}

	client.RegisterDialectMigrations(
		migrationsFS,
		persistence.WithDialectSourceLabel(label),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)
	if err := client.ValidateDialects(ctx); err != nil {
		return nil, err
	}

	if err := client.Migrate(ctx); err != nil {
		return nil, err
	}

	if report := client.Report(); report != nil && !report.IsZero() {
		fmt.Printf("%s report: %s\n", name, report.String())
	}

	return client.DB(), nil
}

func WithBridge(ctx context.Context, app *App) error {
	cfg := app.Config()

	opts := []bridge.Option{
		bridge.WithLoggerFactory(func(name string) bridge.Logger {
			return app.GetLogger(name)
		}),
		bridge.WithEventSink(bridge.EventSinkFunc(func(ctx context.Context, event bridge.Event) error {
			app.GetLogger("bridge:events").Debug("bridge event",
				"type", string(event.Type),
				"local_user_id", event.LocalUserID,
				"provider_user_id", event.ProviderUserID,
			)
			return nil
		})),
	}

	if mcfg := cfg.GetMetrics(); mcfg.Enabled {
		reg := prometheus.NewRegistry()
		metrics, err := bridge.NewMetrics(reg)
		if err != nil {
			return err
		}
		opts = append(opts, bridge.WithMetrics(metrics))

		mux := http.NewServeMux()
		mux.Handle(mcfg.GetPath(), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		app.metrics = &http.Server{
			Addr:              mcfg.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.GetLogger("metrics").Error("metrics listener stopped", "error", err)
			}
		}()
	}

	if rcfg := cfg.GetRedis(); rcfg.Enabled {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     rcfg.Address,
			Password: rcfg.Password,
			DB:       rcfg.DB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, bridge.WithSessionCacheBackend(
			sessioncache.New(app.redis, sessioncache.WithPrefix(rcfg.Prefix)),
		))
	}

	if pcfg := cfg.GetProvider(); pcfg.BaseURL != "" {
		pc, err := client.New(pcfg.BaseURL, cfg.GetBridge().GetSharedSecret(),
			client.WithTimeout(pcfg.GetTimeout()),
			client.WithLogger(app.GetLogger("provider:client")),
		)
		if err != nil {
			return err
		}
		opts = append(opts,
			bridge.WithUserLister(pc),
			bridge.WithRemoteProvider(pc),
		)
	}

	b, err := bridge.New(cfg.GetBridge(), app.repo, opts...)
	if err != nil {
		return err
	}

	if err := b.Policy.Reload(ctx); err != nil {
		app.GetLogger("bridge:policy").Warn("stored auto sync roles not loaded", "error", err)
	}
	app.bridge = b

	return nil
}

func WithHTTPServer(ctx context.Context, app *App) error {
	scfg := app.Config().GetServer()
	bcfg := app.Config().GetBridge()

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: true,
			StrictRouting:     false,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	controller := bridge.NewHTTPController(app.bridge.HTTPServices(), bridge.HTTPConfig{
		SharedSecret:   bcfg.GetSharedSecret(),
		CookieName:     bcfg.GetSessionCookieName(),
		CookieSecure:   scfg.CookieSecure,
		CookieHTTPOnly: scfg.CookieHTTPOnly,
		CookieSameSite: scfg.CookieSameSite,
		Logger:         app.GetLogger("bridge:http"),
	})
	controller.RegisterRoutes(srv.Router().Group(scfg.GetPrefix()))

	app.srv = srv

	return nil
}

func (a *App) Shutdown(ctx context.Context) {
	lgr := a.GetLogger("app")

	if err := a.srv.Shutdown(ctx); err != nil {
		lgr.Error("http shutdown failed", "error", err)
	}

	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			lgr.Error("metrics shutdown failed", "error", err)
		}
	}

	if a.redis != nil {
		_ = a.redis.Close()
	}

	for _, db := range []*bun.DB{a.localDB, a.providerDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
