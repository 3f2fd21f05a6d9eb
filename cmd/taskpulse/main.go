package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/api"
	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/config"
	pulsemcp "github.com/btouchard/taskpulse/internal/mcp"
	"github.com/btouchard/taskpulse/internal/notify"
	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/realtime/client"
	"github.com/btouchard/taskpulse/internal/store"
	"github.com/btouchard/taskpulse/internal/task"
	"github.com/btouchard/taskpulse/internal/tunnel"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("taskpulse %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: taskpulse <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the realtime server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token     Issue a user or internal access token\n")
	fmt.Fprintf(os.Stderr, "  watch     Follow a user's notifications (and, with -tasks, task events)\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting taskpulse",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err == nil && cfg.Auth.JWTSecret == "" {
		err = errors.New("auth.jwt_secret is required")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

// cmdToken issues tokens for local testing and for services calling the
// broadcast endpoint.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	user := fs.String("user", "", "user id to issue an access token for")
	role := fs.String("role", "user", "role claim of the user token")
	internal := fs.String("internal", "", "service name to issue an internal broadcast token for")
	rotate := fs.Bool("rotate-internal", false, "replace the generated internal secret; outstanding internal tokens stop verifying")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	var token string
	switch {
	case *rotate:
		if cfg.Auth.InternalSecret != "" {
			err = errors.New("auth.internal_secret is set explicitly; rotate it in the config instead")
			break
		}
		if _, err = auth.RotateSecret(cfg.Auth.SecretDir, auth.InternalSecretFile); err == nil {
			fmt.Fprintln(os.Stderr, "internal secret rotated; restart the server to apply it")
			return
		}
	case *internal != "":
		var signer *auth.InternalSigner
		signer, err = internalSigner(cfg)
		if err == nil {
			token, err = signer.Sign(*internal)
		}
	case *user != "":
		var users *auth.JWTResolver
		users, err = userResolver(cfg)
		if err == nil {
			token, err = users.Issue(*user, *role)
		}
	default:
		err = errors.New("one of -user, -internal or -rotate-internal is required")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	userID := fs.String("user", "", "user id to subscribe as (default: client.user_id)")
	token := fs.String("token", "", "bearer token (default: client.token)")
	tasks := fs.Bool("tasks", false, "also follow the task event stream")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	cc := cfg.Client
	if *userID != "" {
		cc.UserID = *userID
	}
	if *token != "" {
		cc.Token = *token
	}
	if cc.UserID == "" || cc.Token == "" {
		fmt.Fprintln(os.Stderr, "watch: a user id and a token are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c := client.New(client.Config{
		ServerURL:  cc.ServerURL,
		SocketPath: cfg.Realtime.SocketPath,
		UserID:     cc.UserID,
		Token:      cc.Token,
		BaseDelay:  cc.BaseDelay,
		MaxDelay:   cc.MaxDelay,
	}, client.Handlers{
		OnRecent: func(ns []store.Notification) {
			for i := len(ns) - 1; i >= 0; i-- {
				printNotification(ns[i])
			}
		},
		OnNotification: printNotification,
		OnState: func(s client.State) {
			slog.Info("connection state changed", "state", s.String())
		},
	})
	defer func() { _ = c.Close() }()

	runners := []func(context.Context) error{c.Run}
	if *tasks {
		sc := client.NewStream(client.StreamConfig{
			ServerURL:   cc.ServerURL,
			UserID:      cc.UserID,
			Token:       cc.Token,
			BaseDelay:   cc.BaseDelay,
			MaxDelay:    cc.MaxDelay,
			IdleTimeout: 3 * cfg.Realtime.HeartbeatInterval,
		}, client.StreamHandlers{
			OnEvent: printTaskEvent,
			OnState: func(s client.State) {
				slog.Info("task stream state changed", "state", s.String())
			},
		})
		defer func() { _ = sc.Close() }()
		runners = append(runners, sc.Run)
	}

	// The first subscriber to fail stops the other.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, len(runners))
	for _, run := range runners {
		go func() { errCh <- run(ctx) }()
	}

	var runErr error
	for range runners {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
			cancel()
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", runErr)
		os.Exit(1)
	}
}

func printTaskEvent(ev realtime.DomainEvent) {
	line := fmt.Sprintf("# %s  %s", ev.OccurredAt.Local().Format(time.DateTime), ev.Kind)
	if ev.OriginUserID != nil {
		line += "  by " + *ev.OriginUserID
	}
	fmt.Println(line + "  " + string(ev.Payload))
}

func printNotification(n store.Notification) {
	mark := " "
	if !n.IsRead {
		mark = "*"
	}
	line := fmt.Sprintf("%s %s  %s", mark, n.CreatedAt.Local().Format(time.DateTime), n.Message)
	if n.Link != nil {
		line += "  " + *n.Link
	}
	fmt.Println(line)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func userResolver(cfg *config.Config) (*auth.JWTResolver, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
}

// internalSigner uses auth.internal_secret, or a key generated once into
// auth.secret_dir.
func internalSigner(cfg *config.Config) (*auth.InternalSigner, error) {
	secret := cfg.Auth.InternalSecret
	if secret == "" {
		var err error
		secret, err = auth.LoadOrCreateSecret(cfg.Auth.SecretDir, auth.InternalSecretFile)
		if err != nil {
			return nil, fmt.Errorf("loading internal secret: %w", err)
		}
	}
	return auth.NewInternalSigner(secret, cfg.Auth.Issuer, cfg.Auth.InternalTokenTTL)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Store ---
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "driver", cfg.Database.Driver)

	// --- Auth ---
	users, err := userResolver(cfg)
	if err != nil {
		return err
	}
	internal, err := internalSigner(cfg)
	if err != nil {
		return err
	}

	// --- Tunnel ---
	publicURL := cfg.Server.PublicURL
	var tunnelLn net.Listener
	if cfg.Tunnel.Enabled {
		tun := tunnel.NewNgrok(cfg.Tunnel)
		tunnelLn, err = tun.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()
		if publicURL == "" {
			publicURL = tun.PublicURL()
		}
	}

	// --- Realtime ---
	rt := cfg.Realtime
	streams := realtime.NewStreamManager(realtime.NewStreamRegistry(), rt.HeartbeatInterval, rt.StreamBuffer)
	sockets := realtime.NewSocketManager(realtime.NewSocketRegistry(), realtime.SocketOptions{
		Buffer:         rt.SocketBuffer,
		PingInterval:   rt.PingInterval,
		PongTimeout:    rt.PongTimeout,
		WriteTimeout:   rt.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PublicOrigin:   publicURL,
	})
	broadcaster := realtime.NewBroadcaster(streams.Registry(), sockets.Registry(), db)

	// --- MCP Server ---
	// Tool publications go through the mirror so operator clients see them.
	mirror := notify.NewMCPMirror(broadcaster, nil)
	mcpServer := pulsemcp.NewServer(&pulsemcp.Deps{
		Notifier:      mirror,
		Notifications: db,
		Emitter:       task.NewEmitter(mirror),
		Streams:       streams.Registry(),
		Sockets:       sockets.Registry(),
		RecentLimit:   rt.RecentLimit,
		Version:       version,
	})
	mirror.SetSender(mcpServer)

	// --- HTTP Router ---
	router := api.NewRouter(&api.Deps{
		Broadcaster: broadcaster,
		Streams:     streams,
		Sockets:     sockets,
		Store:       db,
		Users:       users,
		Internal:    internal,
		MCP:         server.NewStreamableHTTPServer(mcpServer),
		Server:      cfg.Server,
		Realtime:    rt,
		RateLimit:   cfg.RateLimit,
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := api.NewHTTPServer(addr, router)
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 2)
	go func() {
		slog.Info("taskpulse is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if tunnelLn != nil {
		go func() {
			slog.Info("serving on public tunnel", "public_url", publicURL)
			if err := srv.Serve(tunnelLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("tunnel: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
