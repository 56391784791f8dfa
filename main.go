// Command sioserver runs a realtime server speaking the socket.io 0.9
// protocol over WebSocket and HTTP long-polling.
//
// Configuration comes from an optional file (--config or SIO_CONFIG), SIO_*
// environment variables, a .env file in the working directory, and finally
// the flags below. Sessions live in memory or, for several nodes behind a
// load balancer, in Redis.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/sioserver/api"
	"github.com/wricardo/sioserver/config"
	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/session"
	"github.com/wricardo/sioserver/store"
	"github.com/wricardo/sioserver/transport/mcp"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "sioserver"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a config file (yaml, toml or json)"},
		&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "store", Usage: "session store backend: memory or redis"},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the redis store"},
		&cli.BoolFlag{Name: "ngrok", Usage: "expose the server through an ngrok tunnel"},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain"},
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "socket.io 0.9 compatible realtime server",
		Version: Version,
		Flags:   serverFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the server (default)",
				Flags:  serverFlags(),
				Action: serve,
			},
			{
				Name:  "mcp",
				Usage: "serve the admin MCP tools over stdio against a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "base URL of the server's admin API"},
				},
				Action: serveMCPStdio,
			},
			{
				Name:   "config",
				Usage:  "validate and print the effective configuration",
				Flags:  serverFlags(),
				Action: printConfig,
			},
		},
	}
}

// loadConfig layers flag overrides on top of the file and environment.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("store") {
		cfg.Store.Backend = cmd.String("store")
	}
	if cmd.IsSet("redis-addr") {
		cfg.Store.Redis.Addr = cmd.String("redis-addr")
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printConfig(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Ngrok.AuthToken != "" {
		cfg.Ngrok.AuthToken = "redacted"
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = "redacted"
	}

	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	observability.RegisterMetrics()

	st, err := store.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	manager := session.NewManager(cfg, st, logger)
	server := api.NewServer(cfg, manager, logger)
	server.MountMCP(mcp.NewClient(localBaseURL(cfg.Addr), Version).GetMCPServer())
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("resource", cfg.Resource),
			zap.Strings("transports", cfg.Transports),
			zap.String("store", cfg.Store.Backend),
			zap.String("version", Version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return st.Run(gctx)
	})

	if cfg.Ngrok.Enabled {
		g.Go(func() error {
			return runNgrok(gctx, cfg, server, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		manager.Close()

		// in-flight long polls finish within one polling duration
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PollingDuration+5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	err = multierr.Append(err, st.Close())
	if err == nil {
		logger.Info("server stopped")
	}
	return err
}

func serveMCPStdio(ctx context.Context, cmd *cli.Command) error {
	client := mcp.NewClient(cmd.String("server"), Version)
	return mcpserver.ServeStdio(client.GetMCPServer())
}

// localBaseURL turns a listen address into a URL this process can reach
// itself on.
func localBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cfg *config.Config, handler http.Handler, logger *zap.Logger) error {
	authToken := cfg.Ngrok.AuthToken
	if authToken == "" {
		authToken = os.Getenv("NGROK_AUTHTOKEN")
	}
	if authToken == "" {
		authToken = os.Getenv("NGROK_AUTH_TOKEN")
	}
	if authToken == "" {
		logger.Warn("ngrok enabled but no auth token provided (set ngrok.auth_token, NGROK_AUTHTOKEN or NGROK_AUTH_TOKEN)")
		return nil
	}

	var tunnel ngrokConfig.Tunnel
	if cfg.Ngrok.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Ngrok.Domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		return fmt.Errorf("failed to start ngrok tunnel: %w", err)
	}
	logger.Info("ngrok tunnel established",
		zap.String("url", tun.URL()),
		zap.String("handshake", tun.URL()+cfg.Resource+"/1/"))

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(tun); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ngrok server: %w", err)
	}
	return nil
}
