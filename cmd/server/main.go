package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/NicolasHaas/gochat/pkg/auth"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/server"
	"github.com/NicolasHaas/gochat/pkg/version"
)

func main() {
	// -env-file has to be known before the other defaults can be resolved.
	envFile := envFileArg(os.Args[1:])
	cfg, err := server.LoadConfig(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	flag.String("env-file", envFile, "Load GOCHAT_* variables from this .env file first")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address for the API, /ws and /metrics")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.UsersFile, "users-file", cfg.UsersFile, "YAML file defining users to create on startup")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 token signing secret (random per process if empty)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of issued tokens")
	flag.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "Outbound events queued per connection")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single WebSocket write")
	flag.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "Close connections silent for this long")
	flag.DurationVar(&cfg.PingPeriod, "ping-period", cfg.PingPeriod, "Interval between keepalive pings")
	flag.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Maximum inbound frame size in bytes")
	flag.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "Deadline for a single persistence call")
	flag.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Periodic metrics log interval (0 to disable)")
	origins := flag.String("allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated WebSocket origins to accept (* for any)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.StringVar(&cfg.IssueToken, "issue-token", "", "Print a token for this username and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}
	cfg.AllowedOrigins = splitList(*origins)

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	st.Timeout = cfg.StoreTimeout

	// Handle CLI actions (run and exit)
	if cfg.ExportUsers || cfg.IssueToken != "" {
		err := runAction(cfg, st)
		_ = st.Close()
		if err != nil {
			slog.Error("command failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting", "version", version.String())
	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		slog.Error("server setup", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runAction(cfg server.Config, st *datastore.ProviderFactory) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(ctx, st.NonTx())
		if err != nil {
			return fmt.Errorf("export users: %w", err)
		}
		fmt.Print(string(data))
	}

	if cfg.IssueToken != "" {
		if cfg.JWTSecret == "" {
			return fmt.Errorf("issue token: a JWT secret is required (-jwt-secret or GOCHAT_JWT_SECRET)")
		}
		user, err := st.NonTx().GetUserByUsername(ctx, cfg.IssueToken)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		if user == nil {
			return fmt.Errorf("issue token: unknown user %q", cfg.IssueToken)
		}
		authn, err := auth.New(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		token, expiresAt, err := authn.Issue(user)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		slog.Info("token issued", "user", user.ID, "expires", expiresAt.Format(time.RFC3339))
	}
	return nil
}

// envFileArg finds -env-file / --env-file in args without parsing the rest.
func envFileArg(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "env-file" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
