package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/scraper"
)

var version = "dev"

// app carries state shared by the subcommands.
type app struct {
	v       *viper.Viper
	level   *slog.LevelVar
	cfg     *config.Config
	cfgFile string

	mu            sync.Mutex
	scraper       *scraper.Scraper
	metricsServer *http.Server

	exitCode int
}

func main() {
	logger, level := newLogger(false)
	slog.SetDefault(logger)

	a := &app{v: viper.New(), level: level}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.handleSignals(cancel)

	root := a.rootCommand()
	err := root.ExecuteContext(ctx)
	a.shutdown()
	if err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(scraper.ExitFatal)
	}
	a.mu.Lock()
	code := a.exitCode
	a.mu.Unlock()
	os.Exit(code)
}

func (a *app) rootCommand() *cobra.Command {
	defaults := config.DefaultConfig()
	root := &cobra.Command{
		Use:           "scraper",
		Short:         "Download product images and extract product data from e-commerce pages",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "Config file (yaml, toml or json)")
	pf.Duration(config.KeyTimeout, defaults.Timeout, "Per-request timeout")
	pf.String(config.KeyUserAgent, defaults.UserAgent, "User-Agent header")
	pf.Float64(config.KeyRateLimit, 0, "Maximum requests per second (0 disables)")
	pf.Int(config.KeyMaxAttempts, defaults.MaxAttempts, "Attempts per image before it is marked failed")
	pf.Duration(config.KeyRetryBackoff, defaults.RetryBackoff, "Initial retry backoff")
	pf.Duration(config.KeyRetryBackoffMax, defaults.RetryBackoffMax, "Maximum retry backoff")
	pf.Int(config.KeyMaxRedirects, defaults.MaxRedirects, "Redirects followed per request")
	pf.Bool(config.KeyRespectRobotsTxt, false, "Respect robots.txt directives")
	pf.BoolP(config.KeyVerbose, "v", false, "Enable verbose logging")
	pf.String(config.KeyMetricsAddr, "", "Prometheus metrics listen address (e.g. :9090)")
	pf.String(config.KeyProfilesFile, "", "JSON file with custom site profiles")
	pf.String(config.KeyProfile, "", "Force a site profile instead of detecting it")

	root.AddCommand(
		a.imagesCommand(),
		a.collectionCommand(),
		a.descriptionCommand(),
		a.priceCommand(),
		a.variantsCommand(),
		a.linksCommand(),
		a.selectorCommand(),
	)
	return root
}

// loadConfig merges flags, SCRAPER_* environment variables and the
// optional config file into a.cfg.
func (a *app) loadConfig(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("SCRAPER")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Verbose {
		a.level.Set(slog.LevelDebug)
	}
	a.cfg = cfg
	return nil
}

// newScraper builds the scraper for the current command and starts the
// metrics server when one is configured.
func (a *app) newScraper() (*scraper.Scraper, error) {
	s, err := scraper.NewScraper(a.cfg)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.scraper = s

	if a.cfg.MetricsAddr != "" && a.metricsServer == nil {
		a.metricsServer = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           s.Metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		srv := a.metricsServer
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", a.cfg.MetricsAddr))
	}
	return s, nil
}

// handleSignals cancels the run on the first signal, letting in-flight
// downloads finish, and aborts them on the second.
func (a *app) handleSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	slog.Info("shutdown signal received, waiting for in-flight downloads (repeat to abort)")
	cancel()

	<-sigCh
	slog.Warn("second signal received, aborting downloads")
	a.mu.Lock()
	s := a.scraper
	a.mu.Unlock()
	if s != nil {
		s.Abort()
	}
}

func (a *app) shutdown() {
	a.mu.Lock()
	srv := a.metricsServer
	a.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

// setExit keeps the most severe exit code seen so far.
func (a *app) setExit(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code > a.exitCode {
		a.exitCode = code
	}
}

// newLogger writes to stderr so stdout only carries command output.
func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
