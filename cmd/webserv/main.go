// Command webserv is the CLI entry point (SPEC_FULL.md §10.3), grounded
// on cmd/claudeops/main.go: a cobra root command wiring flags into viper,
// loading configuration, and handing off to the long-running reactor
// loop with SIGINT/SIGTERM routed through a cancelable context.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/kztakada/webserv/internal/config"
	"github.com/kztakada/webserv/internal/logging"
	"github.com/kztakada/webserv/internal/processor"
	"github.com/kztakada/webserv/internal/reactor"
	"github.com/kztakada/webserv/internal/session"
)

func main() {
	root := &cobra.Command{
		Use:   "webserv",
		Short: "A single-threaded, reactor-driven HTTP/1.1 origin server",
	}

	root.PersistentFlags().String("config", "/etc/webserv/webserv.yaml", "path to the server configuration file")
	root.PersistentFlags().String("pid-file", "", "write the server pid here on serve, read it on reload")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("pid_file", root.PersistentFlags().Lookup("pid-file"))

	viper.SetEnvPrefix("WEBSERV")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	root.AddCommand(serveCmd(), checkCmd(), reloadCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the configuration, bind every listening endpoint, and run until terminated",
		RunE:  runServe,
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit without binding anything",
		RunE:  runCheck,
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Send SIGHUP to the running server named by --pid-file",
		RunE:  runReload,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	raw, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := config.Build(raw); err != nil {
		return err
	}
	fmt.Printf("%s: OK (%d server block(s))\n", path, len(raw.Servers))
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	pidPath := viper.GetString("pid_file")
	if pidPath == "" {
		return fmt.Errorf("webserv reload: --pid-file is required")
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return fmt.Errorf("webserv reload: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("webserv reload: malformed pid file: %w", err)
	}
	if err := unix.Kill(pid, unix.SIGHUP); err != nil {
		return fmt.Errorf("webserv reload: signal pid %d: %w", pid, err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	loader := config.NewLoader(path)

	raw, err := loader.Load()
	if err != nil {
		return err
	}
	compiled, err := config.Build(raw)
	if err != nil {
		return err
	}

	log := logging.New(os.Stderr, parseLevel(compiled.LogLevel))

	var live atomic.Pointer[config.Compiled]
	live.Store(compiled)

	loader.Watch(func(raw *config.RawConfig, err error) {
		if err != nil {
			log.Error("config reload failed, keeping previous configuration", "err", err)
			return
		}
		next, err := config.Build(raw)
		if err != nil {
			log.Error("config reload produced an invalid table, keeping previous configuration", "err", err)
			return
		}
		live.Store(next)
		log.Info("configuration reloaded", "path", path)
	})

	if pidPath := viper.GetString("pid_file"); pidPath != "" {
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("webserv: write pid file: %w", err)
		}
		defer os.Remove(pidPath)
	}

	backend, err := reactor.NewBackend(reactor.Name(compiled.ReactorBackend))
	if err != nil {
		return fmt.Errorf("webserv: construct reactor backend: %w", err)
	}
	rtor := reactor.New(backend)
	defer rtor.Close()

	proc := processor.New(logging.With(log, "processor"))
	ctrl := session.NewController(rtor, logging.With(log, "session"))
	accessLog := logging.AccessLogger(os.Stdout)

	newConn := func(connFd int, localIP string, localPort int, remoteIP string) session.Session {
		cur := live.Load()
		return session.NewHTTPSession(connFd, localIP, localPort, remoteIP, session.HTTPConfig{
			Router:        cur.Router,
			Processor:     proc,
			BodyStoreDir:  cur.BodyStoreDir,
			IdleTimeoutMS: cur.IdleTimeoutMS,
			Log:           logging.With(log, "http"),
			AccessLog:     accessLog,
		})
	}

	for _, ep := range compiled.Endpoints {
		fd, err := session.Listen(ep.IP, ep.Port)
		if err != nil {
			return fmt.Errorf("webserv: listen on %s:%d: %w", ep.IP, ep.Port, err)
		}
		listener := session.NewListenerSession(fd, newConn, logging.With(log, "listener"))
		if err := ctrl.Add(listener); err != nil {
			return fmt.Errorf("webserv: register listener %s:%d: %w", ep.IP, ep.Port, err)
		}
		log.Info("listening", "ip", ep.IP, "port", ep.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				raw, err := loader.Load()
				if err != nil {
					log.Error("SIGHUP reload failed", "err", err)
					continue
				}
				next, err := config.Build(raw)
				if err != nil {
					log.Error("SIGHUP reload produced an invalid table", "err", err)
					continue
				}
				live.Store(next)
				log.Info("configuration reloaded via SIGHUP")
				continue
			}
			log.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return
		}
	}()

	return ctrl.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
