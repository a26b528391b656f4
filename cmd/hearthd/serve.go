package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/fanout"
	"github.com/hearth-app/hearth/internal/push"
	"github.com/hearth-app/hearth/internal/push/provider"
	_ "github.com/hearth-app/hearth/internal/push/provider/fcm"
	_ "github.com/hearth-app/hearth/internal/push/provider/logonly"
	_ "github.com/hearth-app/hearth/internal/push/provider/ses"
	"github.com/hearth-app/hearth/internal/server"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync daemon",
	Long: `Run the hearthd daemon: sync endpoint, WebSocket fan-out and push
dispatch in one process.

A lock file under the data dir prevents two daemons from sharing a
database. The dynamic config subset (min client version, push interval)
reloads on config file change without a restart.

Example usage:
  hearthd serve                       # hearth.yaml from the search path
  hearthd serve -c /etc/hearth.yaml   # explicit config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	unlock, err := acquireLock(filepath.Join(cfg.DataDir, "hearthd.lock"))
	if err != nil {
		return err
	}
	defer unlock()

	logOut := logWriter(cfg)
	newLogger := func(prefix string) *log.Logger {
		return log.New(logOut, prefix, log.LstdFlags)
	}

	st, err := store.Open(cfg.ResolvedDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	eventLog := eventlog.New(st, nil)

	coordConfig := coordinator.DefaultConfig()
	coordConfig.MinClientVersion = cfg.Dynamic.MinClientVersion
	coordConfig.Logger = newLogger("[coordinator] ")
	coord := coordinator.New(eventLog, st, coordConfig)

	hubConfig := fanout.DefaultConfig()
	hubConfig.Logger = newLogger("[fanout] ")
	hub := fanout.New(st, hubConfig)
	hub.Start()
	defer hub.Stop()

	coord.OnEventCommitted(hub.Broadcast)

	dispatcher, err := startDispatcher(cfg, st, newLogger)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		defer dispatcher.Stop()
	}

	srvConfig := &server.Config{Addr: cfg.ListenAddr, Logger: newLogger("[server] ")}
	srv := server.New(coord, hub, st, server.NewTokenVerifier(cfg.JWTSecret), srvConfig)
	if err := srv.Start(); err != nil {
		return err
	}

	watcher := startConfigWatcher(cfg, coord, dispatcher, newLogger("[config] "))
	if watcher != nil {
		defer watcher.Stop()
	}

	fmt.Printf("%s listening on %s\n", ui.Accent("hearthd"), srv.Addr())
	fmt.Printf("  sync:   POST http://%s/v1/sync\n", srv.Addr())
	fmt.Printf("  ws:     GET  ws://%s/v1/ws\n", srv.Addr())
	fmt.Printf("  health: GET  http://%s/healthz\n", srv.Addr())

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return srv.Stop()
}

// acquireLock takes an exclusive advisory lock so only one daemon
// serves a data dir.
func acquireLock(path string) (func(), error) {
	// #nosec G304 - controlled path under the data dir
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another hearthd is already serving this data dir (%s)", path)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// logWriter returns stderr, teeing into a rotated file when configured.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	})
}

// startDispatcher builds the push pipeline when a provider is
// configured. No provider means pull-only sync, which is a valid
// deployment.
func startDispatcher(cfg *config.Config, st *store.Store, newLogger func(string) *log.Logger) (*push.Dispatcher, error) {
	if cfg.Push.Provider == "" {
		return nil, nil
	}

	prov, err := provider.Create(cfg.Push.Provider, provider.Settings{
		Endpoint: cfg.Push.Endpoint,
		APIKey:   cfg.Push.APIKey,
		Region:   cfg.Push.Region,
		From:     cfg.Push.From,
		Logger:   newLogger("[push:" + cfg.Push.Provider + "] "),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure push provider: %w", err)
	}

	templates := push.DefaultTemplates()
	if cfg.Push.TemplatesFile != "" {
		templates, err = push.LoadTemplates(cfg.Push.TemplatesFile)
		if err != nil {
			return nil, err
		}
	}

	digest := push.NewDigestComposer(cfg.Push.AnthropicAPIKey, cfg.Push.AnthropicModel, newLogger("[digest] "))

	dispatchConfig := push.DefaultConfig()
	dispatchConfig.Logger = newLogger("[push] ")
	if cfg.Push.MaxAttempts > 0 {
		dispatchConfig.MaxAttempts = cfg.Push.MaxAttempts
	}
	if cfg.Dynamic.PushInterval > 0 {
		dispatchConfig.Interval = cfg.Dynamic.PushInterval
	}

	dispatcher := push.New(st, prov, templates, digest, dispatchConfig)
	dispatcher.Start()
	return dispatcher, nil
}

// startConfigWatcher hot-reloads the dynamic subset. Watching needs an
// explicit config file path; the default search path is not watched.
func startConfigWatcher(cfg *config.Config, coord *coordinator.Coordinator, dispatcher *push.Dispatcher, logger *log.Logger) *config.Watcher {
	if configPath == "" {
		return nil
	}
	watcher, err := config.NewWatcher(configPath, cfg.Dynamic, func(d config.DynamicConfig) {
		coord.SetMinClientVersion(d.MinClientVersion)
		if dispatcher != nil {
			dispatcher.SetInterval(d.PushInterval)
		}
	}, logger)
	if err != nil {
		logger.Printf("config watching disabled: %v", err)
		return nil
	}
	if err := watcher.Start(); err != nil {
		logger.Printf("config watching disabled: %v", err)
		return nil
	}
	return watcher
}
