package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-routetrack/internal/config"
	"backend-routetrack/internal/db"
	"backend-routetrack/internal/logger"
	"backend-routetrack/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	if err := mainRunner(mainDepsProvider()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type mainDeps struct {
	args            []string
	stdout          io.Writer
	loadConfig      func() config.Config
	newLogger       func(level string, development bool) (*zap.Logger, error)
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	migrateUp       func(dbURL string, log *zap.Logger) error
	migrateDown     func(dbURL string, log *zap.Logger) error
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, *zap.Logger, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		args:            os.Args[1:],
		stdout:          os.Stdout,
		loadConfig:      config.Load,
		newLogger:       logger.New,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		migrateUp:       db.MigrateUp,
		migrateDown:     db.MigrateDown,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) error {
	cfg := deps.loadConfig()

	log, err := deps.newLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	args := deps.args
	if args == nil {
		args = []string{}
	}
	root := newRootCmd(cfg, log, deps)
	root.SetArgs(args)
	if deps.stdout != nil {
		root.SetOut(deps.stdout)
	}
	return root.Execute()
}

func serve(cfg config.Config, log *zap.Logger, deps mainDeps) error {
	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Warn("postgres connection failed, route will not persist", zap.Error(err))
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, log, signals, nil); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	return nil
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals. Tracking is
// stopped before the connections are released.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, log *zap.Logger, signals <-chan os.Signal, listen ListenFunc) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv, err := server.NewServer(cfg, pg, rdb, log)
	if err != nil {
		return err
	}

	if cfg.TrackingAutostart {
		st := srv.Tracking.Start()
		log.Info("tracking autostart", zap.String("state", string(st.Kind)), zap.Bool("tracking", st.IsTracking))
	}

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	var runErr error
	select {
	case sig := <-signals:
		log.Info("shutting down", zap.Any("signal", sig))
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	srv.Close()
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return runErr
}
