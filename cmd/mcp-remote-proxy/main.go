// Command mcp-remote-proxy exposes a stdio MCP server over TCP or
// WebSocket with token authentication and per-method permission
// filtering.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/izay21-dev/mcp-remote-proxy/client"
	"github.com/izay21-dev/mcp-remote-proxy/internal/discover"
	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/internal/logctx"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
	"github.com/izay21-dev/mcp-remote-proxy/subprocess"
	"github.com/izay21-dev/mcp-remote-proxy/tcpserver"
	"github.com/izay21-dev/mcp-remote-proxy/wsserver"
)

var version = "dev"

// envConfig is populated from the environment; flags override it.
type envConfig struct {
	// Secret enables shared-secret token authentication. ENV: MCP_PROXY_JWT_SECRET
	Secret string `env:"MCP_PROXY_JWT_SECRET"`
	// Issuer enables OIDC-discovery token authentication: the issuer's
	// jwks_uri is resolved and tokens are verified against its keys.
	// Mutually exclusive with Secret. ENV: MCP_PROXY_JWKS_ISSUER
	Issuer string `env:"MCP_PROXY_JWKS_ISSUER"`
	// RequiredRoles is a comma-separated list. ENV: MCP_PROXY_REQUIRED_ROLES
	RequiredRoles string `env:"MCP_PROXY_REQUIRED_ROLES"`
	// PermissionsFile points at the policy JSON. ENV: MCP_PROXY_PERMISSIONS_FILE
	PermissionsFile string `env:"MCP_PROXY_PERMISSIONS_FILE"`
	// Port to listen on. ENV: MCP_PROXY_PORT
	Port int `env:"MCP_PROXY_PORT,default=8080"`
	// Transport is "tcp" or "websocket". ENV: MCP_PROXY_TRANSPORT
	Transport string `env:"MCP_PROXY_TRANSPORT,default=tcp"`
	// LegacyAuth switches handshake replies to AUTH_SUCCESS/AUTH_FAILED.
	// ENV: MCP_PROXY_LEGACY_AUTH
	LegacyAuth bool `env:"MCP_PROXY_LEGACY_AUTH,default=false"`
	// AuthTimeout bounds the credential handshake. ENV: MCP_PROXY_AUTH_TIMEOUT
	AuthTimeout time.Duration `env:"MCP_PROXY_AUTH_TIMEOUT,default=10s"`
	// IdleTimeout destroys silent TCP connections. ENV: MCP_PROXY_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"MCP_PROXY_IDLE_TIMEOUT,default=5m"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "secret":
		var s string
		if s, err = jwtauth.NewSecret(); err == nil {
			fmt.Println(s)
		}
	case "generate-permissions":
		err = runGeneratePermissions(os.Args[2:])
	case "schema":
		err = runSchema()
	case "version":
		fmt.Println("mcp-remote-proxy", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: mcp-remote-proxy <command> [flags]

commands:
  serve                 proxy a stdio MCP server: serve [flags] -- <command> [args...]
  client                bridge local stdio to a remote proxy
  token                 mint a signed access token
  secret                generate a random signing secret
  generate-permissions  probe a server and emit a permission policy skeleton
  schema                print the JSON schema of the permissions file
  version               print the proxy version
`)
}

func newLogger(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: h})
}

func runServe(args []string) error {
	var cfg envConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: tcp or websocket")
	fs.StringVar(&cfg.PermissionsFile, "permissions-file", cfg.PermissionsFile, "path to the permission policy JSON")
	fs.StringVar(&cfg.RequiredRoles, "required-roles", cfg.RequiredRoles, "comma-separated roles required to connect")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "OIDC issuer URL for JWKS-based token verification")
	fs.BoolVar(&cfg.LegacyAuth, "legacy-auth", cfg.LegacyAuth, "reply with AUTH_SUCCESS/AUTH_FAILED literals")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "credential handshake deadline")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "tcp inactivity deadline")
	watch := fs.Bool("watch-permissions", false, "reload the permissions file when it changes")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("serve: no subprocess command given (serve [flags] -- <command> [args...])")
	}
	command, cmdArgs := fs.Arg(0), fs.Args()[1:]

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var verifier jwtauth.Authenticator
	switch {
	case cfg.Secret != "" && cfg.Issuer != "":
		return errors.New("serve: MCP_PROXY_JWT_SECRET and MCP_PROXY_JWKS_ISSUER are mutually exclusive")
	case cfg.Issuer != "":
		var err error
		if verifier, err = jwtauth.NewFromDiscovery(ctx, &jwtauth.JWKSConfig{Issuer: cfg.Issuer}); err != nil {
			return err
		}
	case cfg.Secret != "":
		var err error
		if verifier, err = jwtauth.NewHMAC(cfg.Secret, nil); err != nil {
			return err
		}
	default:
		log.Warn("no MCP_PROXY_JWT_SECRET or MCP_PROXY_JWKS_ISSUER set: running without authentication")
	}

	var provider *permissions.Provider
	if cfg.PermissionsFile != "" {
		policy, err := permissions.Load(cfg.PermissionsFile)
		if err != nil {
			return fmt.Errorf("load permissions: %w", err)
		}
		provider = permissions.NewProvider(policy)
		if *watch {
			go func() {
				if err := provider.Watch(ctx, cfg.PermissionsFile, log); err != nil && ctx.Err() == nil {
					log.Error("permissions watch stopped", "error", err)
				}
			}()
		}
	}

	proc, err := subprocess.Start(command, cmdArgs,
		subprocess.WithLogger(log))
	if err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	defer proc.Stop(5 * time.Second)

	requiredRoles := splitRoles(cfg.RequiredRoles)
	addr := fmt.Sprintf(":%d", cfg.Port)

	switch cfg.Transport {
	case "websocket":
		wsOpts := []wsserver.Option{
			wsserver.WithVerifier(verifier),
			wsserver.WithRequiredRoles(requiredRoles),
			wsserver.WithPermissions(provider),
			wsserver.WithAuthTimeout(cfg.AuthTimeout),
			wsserver.WithServerInfo("mcp-remote-proxy", version),
			wsserver.WithLogger(log),
		}
		if cfg.LegacyAuth {
			wsOpts = append(wsOpts, wsserver.WithLegacyAuth())
		}
		srv := &http.Server{Addr: addr, Handler: wsserver.New(proc, wsOpts...)}
		go func() {
			select {
			case <-ctx.Done():
			case <-proc.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("websocket proxy listening", "addr", addr, "command", command)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		tcpOpts := []tcpserver.Option{
			tcpserver.WithVerifier(verifier),
			tcpserver.WithRequiredRoles(requiredRoles),
			tcpserver.WithPermissions(provider),
			tcpserver.WithAuthTimeout(cfg.AuthTimeout),
			tcpserver.WithIdleTimeout(cfg.IdleTimeout),
			tcpserver.WithLogger(log),
		}
		if cfg.LegacyAuth {
			tcpOpts = append(tcpOpts, tcpserver.WithLegacyAuth())
		}
		srv := tcpserver.New(proc, tcpOpts...)
		log.Info("tcp proxy listening", "addr", addr, "command", command)
		if err := srv.Serve(ctx, ln); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q (want tcp or websocket)", cfg.Transport)
	}

	// Exit non-zero when the subprocess died underneath us.
	select {
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("subprocess exited: %w", err)
		}
	default:
	}
	return nil
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "", "proxy address (host:port for tcp, ws:// URL for websocket)")
	transport := fs.String("transport", "tcp", "transport: tcp or websocket")
	token := fs.String("token", os.Getenv("MCP_PROXY_TOKEN"), "bearer token (env MCP_PROXY_TOKEN)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return errors.New("client: -addr is required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		Transport: *transport,
		Addr:      *addr,
		Token:     *token,
		In:        os.Stdin,
		Out:       os.Stdout,
		Logger:    newLogger(level),
	})
	err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "subject of the token")
	roles := fs.String("roles", "", "comma-separated roles")
	ttl := fs.Duration("expires-in", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("token: -user is required")
	}
	secret := os.Getenv("MCP_PROXY_JWT_SECRET")
	if secret == "" {
		return errors.New("token: MCP_PROXY_JWT_SECRET is not set")
	}

	tok, err := jwtauth.Sign(secret, *user, splitRoles(*roles), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runGeneratePermissions(args []string) error {
	fs := flag.NewFlagSet("generate-permissions", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "probe deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("generate-permissions: no server command given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log := newLogger(slog.LevelInfo)
	caps, err := discover.Probe(ctx, fs.Arg(0), fs.Args()[1:], log)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(caps.PermissionConfig(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSchema() error {
	schema, err := permissions.Schema()
	if err != nil {
		return err
	}
	fmt.Println(string(schema))
	return nil
}

func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
