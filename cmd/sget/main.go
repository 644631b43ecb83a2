package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"sget/internal/api"
	"sget/internal/client"
	"sget/internal/config"
	fileutil "sget/internal/file"
	"sget/internal/notify"
	"sget/internal/store"
	"sget/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("sget failed")
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yml",
		Usage:   "path to the YAML config file",
	}

	return &cli.App{
		Name:  "sget",
		Usage: "resumable HTTP download manager",
		Commands: []*cli.Command{{
			Name:   "serve",
			Usage:  "run the download engine behind an HTTP API",
			Flags:  []cli.Flag{configFlag},
			Action: serve,
		}, {
			Name:      "get",
			Usage:     "download one URL in the foreground",
			ArgsUsage: "URL",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "destination folder"},
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "destination file name"},
				&cli.Int64Flag{Name: "limit", Usage: "bandwidth limit in KiB/s (0 = unlimited)"},
				&cli.BoolFlag{Name: "overwrite", Usage: "replace an existing destination file"},
			},
			Action: get,
		}},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	taskStore, closeStore, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	taskManager := buildTaskManager(cfg, taskStore)
	if err := taskManager.Load(c.Context); err != nil {
		log.Warn().Err(err).Msg("load saved downloads failed")
	}

	router := setupRouter()
	wireAPI(router, taskManager)
	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		autosave(ctx, taskManager, cfg.AutosaveInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
		gracefulShutdown(srv, taskManager, shutdownTimeout)
		return nil
	})
	return g.Wait() //nolint:wrapcheck
}

func openStore(ctx context.Context, cfg config.Config) (task.Store, func(), error) {
	if cfg.StoreURL == "" {
		return store.NewFileStore(cfg.DataDir), func() {}, nil
	}
	bs, err := store.OpenBlobStore(ctx, cfg.StoreURL, store.DefaultKey)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck
	}
	return bs, func() {
		if err := bs.Close(); err != nil {
			log.Warn().Err(err).Msg("close blob store")
		}
	}, nil
}

func buildTaskManager(cfg config.Config, taskStore task.Store) *task.Manager {
	return task.NewManagerWithOptions(task.Options{
		DownloadDir:            cfg.DownloadDir,
		TempSuffix:             cfg.TempSuffix,
		MaxDownloads:           cfg.MaxDownloads,
		SpeedLimit:             cfg.SpeedLimit(),
		CacheSize:              cfg.CacheSize(),
		BufferSize:             cfg.BufferSize,
		BuffersPerNotification: cfg.BuffersPerNotification,
		StartOnLoad:            cfg.StartDownloadsOnStartup,
		DefaultProxy:           cfg.DefaultProxy(),
		Client:                 client.NewClient(cfg.ClientOptions()),
		Store:                  taskStore,
		Bus:                    notify.NewBus(),
		Opener:                 task.OpenerFunc(openWithSystem),
	})
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func wireAPI(router *gin.Engine, tm *task.Manager) {
	apiHandler := api.NewAPI(tm)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// autosave persists the registry every interval until ctx is done.
func autosave(ctx context.Context, tm *task.Manager, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tm.Save(ctx); err != nil {
				log.Warn().Err(err).Msg("autosave failed")
			}
		}
	}
}

func gracefulShutdown(srv *http.Server, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	if err := tm.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("saving downloads failed")
	}
	tm.Bus().Close()
	log.Info().Msg("server exited cleanly")
}
