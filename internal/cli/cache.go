package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/gridflow/internal/cache"
	"github.com/roach88/gridflow/internal/config"
	"github.com/roach88/gridflow/internal/metrics"
	"github.com/roach88/gridflow/internal/store"
)

// DefaultCacheAddr is where 'cache serve' listens and where the cache
// client commands connect when no endpoint is configured.
const DefaultCacheAddr = "localhost:7420"

// shutdownTimeout bounds the metrics endpoint's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// CacheOptions holds options for the cache commands.
type CacheOptions struct {
	*RootOptions
	Addr        string
	DB          string
	MetricsAddr string
	IdleTimeout time.Duration
	Endpoint    string
}

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Run or query the shared result cache",
		Long: `The cache service maps step fingerprints to serialized results over a
line-oriented TCP protocol. Entries are immutable: inserting an existing
key keeps the first value.`,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheServe(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve.Flags().StringVar(&opts.Addr, "addr", DefaultCacheAddr, "TCP address to listen on")
	serve.Flags().StringVar(&opts.DB, "db", "gridflow-cache.db", "SQLite database file")
	serve.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for /metrics and /healthz (disabled if empty)")
	serve.Flags().DurationVar(&opts.IdleTimeout, "idle-timeout", 0, "close connections idle for this long (0 disables)")

	cmd.AddCommand(serve)
	for _, sub := range []*cobra.Command{
		{
			Use:   "ping",
			Short: "Check that the cache service answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *cache.Client, out *OutputFormatter) error {
					if err := c.Ping(ctx); err != nil {
						return err
					}
					return out.Success(map[string]string{"endpoint": c.Addr()}, func(w io.Writer) {
						fmt.Fprintf(w, "%s: ok\n", c.Addr())
					})
				})
			},
		},
		{
			Use:   "get <key>",
			Short: "Print the value stored under a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *cache.Client, out *OutputFormatter) error {
					value, found, err := c.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if !found {
						return NewExitError(ExitFailure, fmt.Sprintf("key %q not found", args[0]))
					}
					return out.Success(map[string]string{"key": args[0], "value": string(value)}, func(w io.Writer) {
						fmt.Fprintln(w, string(value))
					})
				})
			},
		},
		{
			Use:   "put <key> <value>",
			Short: "Store a value unless the key already exists",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *cache.Client, out *OutputFormatter) error {
					if err := c.Insert(ctx, args[0], []byte(args[1])); err != nil {
						return err
					}
					return out.Success(map[string]string{"key": args[0]}, func(w io.Writer) {
						fmt.Fprintf(w, "stored %s\n", args[0])
					})
				})
			},
		},
		{
			Use:   "delete <key>",
			Short: "Remove a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *cache.Client, out *OutputFormatter) error {
					if err := c.Delete(ctx, args[0]); err != nil {
						return err
					}
					return out.Success(map[string]string{"key": args[0]}, func(w io.Writer) {
						fmt.Fprintf(w, "deleted %s\n", args[0])
					})
				})
			},
		},
	} {
		sub.SilenceUsage = true
		sub.SilenceErrors = true
		sub.Flags().StringVar(&opts.Endpoint, "endpoint", "", "cache service endpoint (default from config, else "+DefaultCacheAddr+")")
		cmd.AddCommand(sub)
	}

	return cmd
}

func runCacheServe(cmd *cobra.Command, opts *CacheOptions) error {
	st, err := store.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot open cache database", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot register metrics", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot listen on "+opts.Addr, err)
	}

	if opts.MetricsAddr != "" {
		mln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, "cannot listen on "+opts.MetricsAddr, err)
		}
		e := newMetricsServer(reg, st)
		e.Listener = mln
		go func() {
			if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint stopped", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = e.Shutdown(sctx)
		}()
		slog.Info("metrics endpoint listening", "addr", mln.Addr().String())
	}

	srv := cache.NewServer(st, cache.WithServerMetrics(m), cache.WithIdleTimeout(opts.IdleTimeout))
	fmt.Fprintf(cmd.ErrOrStderr(), "cache service listening on %s (db %s)\n", ln.Addr(), opts.DB)
	if err := srv.Serve(ctx, ln); err != nil {
		return WrapExitError(ExitRuntimeError, "cache service failed", err)
	}
	return nil
}

// newMetricsServer serves Prometheus metrics and a health check that pings
// the database.
func newMetricsServer(reg *prometheus.Registry, st *store.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		if err := st.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

// withClient connects to the configured endpoint and maps cache errors to
// exit codes.
func withClient(cmd *cobra.Command, opts *CacheOptions, fn func(context.Context, *cache.Client, *OutputFormatter) error) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	endpoint, err := cacheEndpoint(opts)
	if err != nil {
		return err
	}
	c := cache.NewClient(endpoint)
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	err = fn(ctx, c, out)
	var exitErr *ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return err
	case cache.IsUnavailable(err):
		return WrapExitError(ExitRuntimeError, "cache service unavailable at "+endpoint, err)
	default:
		return WrapExitError(ExitFailure, "cache request failed", err)
	}
}

func cacheEndpoint(opts *CacheOptions) (string, error) {
	if opts.Endpoint != "" {
		return opts.Endpoint, nil
	}
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return "", WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		if cfg.CacheEndpoint != "" {
			return cfg.CacheEndpoint, nil
		}
	}
	return DefaultCacheAddr, nil
}
