package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/singlestore-labs/iapprofile/iap/assertion"
	"github.com/singlestore-labs/iapprofile/iap/audience"
	"github.com/singlestore-labs/iapprofile/iap/directory"
	"github.com/singlestore-labs/iapprofile/internal/config"
	"github.com/singlestore-labs/iapprofile/internal/logging"
	"github.com/singlestore-labs/iapprofile/internal/metrics"
	"github.com/singlestore-labs/iapprofile/internal/server"
)

// Options holds the command line flags
type Options struct {
	ConfigFile string
	Port       int
	Verbose    bool
}

var osExit = os.Exit

func main() {
	if err := realMain(os.Args); err != nil {
		osExit(1)
	}
}

func realMain(args []string) error {
	flagSet := flag.NewFlagSet(args[0], flag.ContinueOnError)
	opts, err := parseFlags(flagSet, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		log.Printf("Error: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		if opts.Verbose {
			log.Printf("Error: %+v", err)
		} else {
			log.Printf("Error: %v", err)
		}
		return err
	}
	return nil
}

func parseFlags(flagSet *flag.FlagSet, args []string) (Options, error) {
	opts := Options{}

	flagSet.StringVar(&opts.ConfigFile, "config", "", "Optional config file (yaml, json or toml); environment variables take precedence")
	flagSet.IntVar(&opts.Port, "port", 0, "Port to listen on (overrides PORT)")
	flagSet.BoolVar(&opts.Verbose, "verbose", false, "Enable debug logging")

	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Usage: %s [options]\n\n", args[0])
		fmt.Fprintf(flagSet.Output(), "Serve the IAP identity page.\n\n")
		fmt.Fprintf(flagSet.Output(), "Options:\n")
		flagSet.PrintDefaults()
		fmt.Fprintf(flagSet.Output(), "\nEnvironment:\n")
		fmt.Fprintf(flagSet.Output(), "  PORT, PEOPLE_API_KEY, PEOPLE_ENDPOINT, IAP_KEYS_URL, IAP_ISSUERS, IAP_AUDIENCE,\n")
		fmt.Fprintf(flagSet.Output(), "  HTTP_TIMEOUT, METADATA_TIMEOUT, DIRECTORY_RATE, DIRECTORY_BURST, AUTH_POLICY, LOG_LEVEL\n")
	}

	if err := flagSet.Parse(args[1:]); err != nil {
		return opts, err
	}
	if flagSet.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return opts, fmt.Errorf("invalid port: %d", opts.Port)
	}
	return opts, nil
}

func run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	return a.serve(ctx, listener)
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	server *http.Server
}

// newApp wires the verification pipeline into an HTTP server
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*app, error) {
	libLogger := logging.NewAdapter(logger)

	cache := audience.NewCache()
	if cfg.IAP.Audience != "" {
		cache.Store(cfg.IAP.Audience)
		logger.Info("using configured audience", zap.String("audience", cfg.IAP.Audience))
	}
	resolver := audience.NewResolver(cache,
		audience.WithTimeout(cfg.IAP.MetadataTimeout),
		audience.WithLogger(libLogger))

	httpClient := &http.Client{Timeout: cfg.IAP.HTTPTimeout}
	validator := assertion.NewValidator(resolver,
		assertion.WithKeySource(assertion.NewHTTPKeySource(cfg.IAP.KeysURL, httpClient, cfg.IAP.HTTPTimeout)),
		assertion.WithIssuers(cfg.IAP.Issuers...),
		assertion.WithLogger(libLogger))

	deps := &server.Deps{
		Validator: validator,
		Policy:    cfg.Server.Policy,
		Logger:    logger,
		Metrics:   metrics.NewCollector(reg),
		Gatherer:  reg,
	}

	if cfg.Directory.APIKey == "" {
		logger.Warn("PEOPLE_API_KEY is not set, profile photos are disabled")
	} else {
		dirOpts := []directory.Option{
			directory.WithTimeout(cfg.Directory.Timeout),
			directory.WithLogger(libLogger),
		}
		if cfg.Directory.Endpoint != "" {
			dirOpts = append(dirOpts, directory.WithEndpoint(cfg.Directory.Endpoint))
		}
		if cfg.Directory.Rate > 0 {
			burst := max(cfg.Directory.Burst, 1)
			dirOpts = append(dirOpts, directory.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.Directory.Rate), burst)))
		}
		client, err := directory.NewClient(ctx, cfg.Directory.APIKey, dirOpts...)
		if err != nil {
			return nil, err
		}
		deps.Photos = client
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:           server.NewRouter(deps),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
	}, nil
}

// serve runs until ctx is cancelled, then drains in-flight requests
func (a *app) serve(ctx context.Context, listener net.Listener) error {
	a.logger.Info("listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("policy", string(a.cfg.Server.Policy)))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 5 * time.Second
}
