package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
	"github.com/Yuni-sa/ngv-viewer-go/cache"
	"github.com/Yuni-sa/ngv-viewer-go/chunk"
	"github.com/Yuni-sa/ngv-viewer-go/circuit"
	"github.com/Yuni-sa/ngv-viewer-go/client"
	"github.com/Yuni-sa/ngv-viewer-go/config"
)

var (
	configPath  string
	logLevel    string
	metricsAddr string
	neuronIdx   []int
	simModel    string

	cfg    config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "ngvctl",
		Short:         "Headless client for the NGV circuit viewer backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Ask the backend whether it is operational",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	loadCmd = &cobra.Command{
		Use:   "load [route]",
		Short: "Load a circuit into the local cache",
		Long: `Resolves route the way the viewer resolves its URL (/circuits/<name>,
/simulations/<name>, or a custom circuit given by name, path and simModel
query parameters), then loads the circuit from the cache or the backend.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLoad,
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the local circuit cache",
	}
	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached entry",
		Args:  cobra.NoArgs,
		RunE:  runCacheClear,
	}
	cacheStatCmd = &cobra.Command{
		Use:   "stat",
		Short: "Summarise the cache contents",
		Args:  cobra.NoArgs,
		RunE:  runCacheStat,
	}

	routesCmd = &cobra.Command{
		Use:   "routes",
		Short: "List the circuit registry and the route of each circuit",
		Args:  cobra.NoArgs,
		RunE:  runRoutes,
	}

	initCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.ExactArgs(1),
		// runs before a config exists
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
)

func init() {
	defaultConfig := "ngv.yaml"
	if home, err := os.UserHomeDir(); err == nil {
		defaultConfig = filepath.Join(home, ".ngv", "ngv.yaml")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	loadCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while loading")
	loadCmd.Flags().IntSliceVar(&neuronIdx, "neuron", nil, "print these cells once loaded")
	loadCmd.Flags().StringVar(&simModel, "remember-sim-model", "", "save this simulation model as preferred for the circuit path")

	cacheCmd.AddCommand(cacheClearCmd, cacheStatCmd)
	rootCmd.AddCommand(statusCmd, loadCmd, cacheCmd, routesCmd, initCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func newClient() (*client.Client, error) {
	b := client.NewClientBuilder().
		WithLogger(logger).
		WithReconnectDelay(cfg.ReconnectDelay)
	if cfg.BaseURL != "" {
		b = b.WithBaseURL(cfg.BaseURL)
	} else {
		b = b.WithHost(cfg.Server.Host).WithPort(cfg.Server.Port).WithSecure(cfg.Server.Secure)
	}
	return b.Build()
}

// openCache opens the configured store and applies the version gate before
// anything reads from it
func openCache(ctx context.Context) (*cache.Store, error) {
	var (
		store *cache.Store
		err   error
	)
	if cfg.Cache.InMemory {
		store, err = cache.OpenInMemory()
	} else {
		c := cache.DefaultConfig(cfg.Cache.Path)
		c.Logger = logger
		store, err = cache.Open(c)
	}
	if err != nil {
		return nil, err
	}
	if _, err := store.EnsureVersion(ctx, cfg.AppVersion); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	ctx, timeout := context.WithTimeout(ctx, 30*time.Second)
	defer timeout()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Circuit.ServerStatus(ctx)
	if err != nil {
		return fmt.Errorf("server status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	store, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	prefs, err := config.NewPreferences(ctx, store)
	if err != nil {
		return err
	}

	route := ""
	if len(args) > 0 {
		route = args[0]
	}
	target, err := cfg.Initial(route, prefs)
	var selErr *config.SelectorError
	if errors.As(err, &selErr) {
		return fmt.Errorf("%w; known routes:\n%s", err, routeList())
	}
	if err != nil {
		return err
	}
	if simModel != "" && target.Custom {
		if err := prefs.SaveSimModel(ctx, target.Path, simModel); err != nil {
			return err
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.ErrOrStderr()
	progress := bus.On(c.Bus(), func(p chunk.Progress) {
		if p.Received == p.Total {
			fmt.Fprintf(out, "  %-20s %-8s %d/%d\n", p.Dataset, p.Dimension, p.Received, p.Total)
		}
	})
	defer c.Bus().Off(progress)

	orch := circuit.New(c, store, circuit.WithLogger(logger))
	if err := orch.Load(ctx, target); err != nil {
		return err
	}

	ds, err := orch.Dataset()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cells, properties %s\n",
		target.Name, ds.Count(), strings.Join(ds.Meta.Props, ", "))

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, idx := range neuronIdx {
		neuron, err := orch.Neuron(idx)
		if err != nil {
			return err
		}
		pos, err := orch.NeuronPosition(idx)
		if err != nil {
			return err
		}
		neuron["position"] = pos
		if err := enc.Encode(neuron); err != nil {
			return err
		}
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	store, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(cmd.Context()); err != nil {
		return err
	}
	// keep the stamp so the next run does not clear again
	return store.Set(cmd.Context(), cache.VersionKey, cfg.AppVersion)
}

func runCacheStat(cmd *cobra.Command, _ []string) error {
	store, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stat(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	location := store.Path()
	if location == "" {
		location = "(in memory)"
	}
	fmt.Fprintf(w, "location\t%s\n", location)
	fmt.Fprintf(w, "version\t%s\n", st.Version)
	fmt.Fprintf(w, "keys\t%d\n", st.Keys)
	fmt.Fprintf(w, "lsm bytes\t%d\n", st.LSMBytes)
	fmt.Fprintf(w, "vlog bytes\t%d\n", st.VlogSize)
	for _, path := range st.Circuits {
		fmt.Fprintf(w, "circuit\t%s\n", path)
	}
	return w.Flush()
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), routeList())
	return err
}

func routeList() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, c := range cfg.Circuits {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, config.Route(c), c.Path)
	}
	w.Flush()
	return b.String()
}
