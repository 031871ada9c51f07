package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flightcache "github.com/always-cache/flight-cache"
	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	"github.com/always-cache/flight-cache/pkg/config"
	remotestore "github.com/always-cache/flight-cache/pkg/remote-store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "flight-cache.yml", "Config file (optional)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] serve|inspect|clear [command flags]\n", os.Args[0])
		flag.PrintDefaults()
	}

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	setupLogging()

	conf, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		err = serve(ctx, conf)
	case "inspect":
		err = inspect(ctx, conf, args[1:])
	case "clear":
		err = clearCache(ctx, conf)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msgf("Could not %s", args[0])
	}
}

func setupLogging() {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stderr
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stderr})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// serve runs the remote store service on top of the durable SQLite tier.
func serve(ctx context.Context, conf config.Config) error {
	store, err := openDurable(conf, remotestore.NamespaceSeparator)
	if err != nil {
		return err
	}
	defer store.Close()

	go flightcache.RunSweeper(ctx, store, conf.SweepInterval, log.Logger)

	server := &http.Server{
		Addr:              conf.Listen,
		Handler:           remotestore.NewServer(remotestore.Config{Store: store, Logger: &log.Logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving remote cache on %s (db %s)", conf.Listen, conf.DB)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// inspect prints what every tier holds for one search.
func inspect(ctx context.Context, conf config.Config, args []string) error {
	var (
		fp     cachekey.Fingerprint
		asJSON bool
		fset   = flag.NewFlagSet("inspect", flag.ExitOnError)
	)
	fset.StringVar(&fp.Origin, "origin", "", "Origin airport (IATA)")
	fset.StringVar(&fp.Destination, "destination", "", "Destination airport (IATA)")
	fset.StringVar(&fp.DepartDate, "depart", "", "Departure date (YYYY-MM-DD)")
	fset.StringVar(&fp.ReturnDate, "return", "", "Return date (YYYY-MM-DD)")
	fset.StringVar(&fp.TripType, "trip", cachekey.TripOneWay, "Trip type")
	fset.IntVar(&fp.Passengers.Adults, "adults", 1, "Adult passengers")
	fset.IntVar(&fp.Passengers.Children, "children", 0, "Child passengers")
	fset.IntVar(&fp.Passengers.Infants, "infants", 0, "Infant passengers")
	fset.StringVar(&fp.CabinClass, "cabin", "economy", "Cabin class")
	fset.BoolVar(&asJSON, "json", false, "Print JSON")
	fset.Parse(args)
	if err := fp.Validate(); err != nil {
		return fmt.Errorf("invalid search: %w", err)
	}

	storage, closeTiers, err := openStorage(conf)
	if err != nil {
		return err
	}
	defer closeTiers()

	status := storage.Status(ctx, fp)
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Print(status.String())
	return nil
}

// clearCache empties the durable and the remote tier.
func clearCache(ctx context.Context, conf config.Config) error {
	storage, closeTiers, err := openStorage(conf)
	if err != nil {
		return err
	}
	defer closeTiers()
	if err := storage.ClearCache(ctx); err != nil {
		return err
	}
	log.Info().Msg("Cache cleared")
	return nil
}

// openDurable opens the SQLite db. With a separator, MaxEntries applies per namespace.
func openDurable(conf config.Config, separator string) (*cache.SQLiteCache, error) {
	filename := conf.DB
	if filename == "memory" {
		filename = ""
	}
	return cache.NewSQLiteCache(cache.SQLiteConfig{
		Filename:           filename,
		MaxEntries:         conf.MaxEntries,
		PartitionSeparator: separator,
		Logger:             &log.Logger,
	})
}

func openStorage(conf config.Config) (*flightcache.Storage, func(), error) {
	durable, err := openDurable(conf, "")
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { durable.Close() }}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var remote cache.Tier
	switch conf.Remote.Backend {
	case config.RemoteHTTP:
		remote = cache.NewRemoteCache(cache.RemoteConfig{
			BaseURL:   conf.Remote.URL,
			Namespace: conf.Remote.Namespace,
			Timeout:   conf.Remote.Timeout,
			Logger:    &log.Logger,
		})
	case config.RemoteValkey:
		v, err := cache.NewValkeyCache(cache.ValkeyConfig{
			Address:   conf.Remote.Valkey.Address,
			Password:  conf.Remote.Valkey.Password,
			DB:        conf.Remote.Valkey.DB,
			KeyPrefix: conf.Remote.Valkey.Prefix + ":" + conf.Remote.Namespace,
			Timeout:   conf.Remote.Timeout,
			Logger:    &log.Logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, v.Close)
		remote = v
	}

	storage := flightcache.CreateStorage(flightcache.Config{
		Durable:           durable,
		Remote:            remote,
		SearchTTL:         conf.SearchTTL,
		PriceTTL:          conf.PriceTTL,
		PriceSafetyMargin: conf.PriceSafetyMargin,
		Logger:            &log.Logger,
	})
	return storage, closeAll, nil
}
