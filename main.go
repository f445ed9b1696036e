package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/api"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/config"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/db"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/enrich"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/events"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/lock"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/lookup"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/zone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var nocolorLog = strings.ToLower(os.Getenv("NO_COLOR")) == "true"
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger().
	Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: nocolorLog})

var (
	commit  string = "NOT_PROVIDED"
	version string = "UNKNOWN"
)

//go:embed config.defaults.yaml
var defaultConfig []byte

// app carries what every subcommand shares once the persistent flags are parsed
type app struct {
	logLevel   string
	configPath string
	conf       config.Config
	registry   *prometheus.Registry
}

func main() {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "expirywatch",
		Short:        "expirywatch tracks when domains expire",
		Long:         `expirywatch reads registry zone files, looks up the expiry date of every domain over RDAP/WHOIS and keeps the results in a database`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if write, _ := cmd.Flags().GetBool("defaultconfig"); write {
				return a.writeDefaultConfig()
			}
			return cmd.Help()
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.logLevel, "loglevel", "l", "info", "log level (debug, info, warn, error, fatal, panic)")
	flags.StringVarP(&a.configPath, "config", "c", "$HOME/.expirywatch.yaml", "path to YAML configuration file")
	cmd.Flags().BoolP("defaultconfig", "d", false, "write default config to the --config path")
	cmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) { a.setup(cmd) }

	cmd.AddCommand(a.loadCmd(), a.checkCmd(), a.fetchCmd(), a.serveCmd(), versionCmd())

	if err := cmd.Execute(); err != nil {
		logger.Error().Msgf("failed to execute command: %s", err)
		os.Exit(1)
	}
}

// setup applies the log level and loads the configuration. Invalid configuration is fatal
// before anything else happens.
func (a *app) setup(cmd *cobra.Command) {
	if lvl, err := zerolog.ParseLevel(a.logLevel); err != nil {
		logger.Fatal().Msgf("failed to parse log level: %s", err)
	} else {
		zerolog.SetGlobalLevel(lvl)
	}

	explicit := cmd.Flags().Changed("config")
	if !explicit {
		if home, err := os.UserHomeDir(); err != nil {
			logger.Fatal().Msgf("failed to get user home directory: %s", err)
		} else {
			a.configPath = filepath.Join(home, ".expirywatch.yaml")
		}
	}
	switch cmd.Name() {
	case "version", "help", "expirywatch":
		return
	}

	path := a.configPath
	if _, err := os.Stat(path); !explicit && errors.Is(err, os.ErrNotExist) {
		logger.Debug().Msgf("no config file at %s, using defaults", path)
		path = ""
	}
	k, err := config.Load(defaultConfig, path)
	if err != nil {
		logger.Fatal().Msgf("%s", err)
	}
	if a.conf, err = config.New(k); err != nil {
		logger.Fatal().Msgf("invalid configuration: %s", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func (a *app) writeDefaultConfig() error {
	if err := os.WriteFile(a.configPath, defaultConfig, 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	logger.Info().Msgf("wrote default config to %s", a.configPath)
	return nil
}

func (a *app) openStore(ctx context.Context) (db.ExpiryDB, error) {
	store, err := db.New(a.conf.DB.Engine, a.conf.DB.URI)
	if err != nil {
		return nil, err
	}
	if pg, ok := store.(*db.PostgresDB); ok && a.conf.DB.MaxConns > 0 {
		pg.MaxConns = a.conf.DB.MaxConns
	}
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info().Str("engine", a.conf.DB.Engine).Msg("database opened")
	return store, nil
}

// newPoller wires the lookup client, metrics and the optional findings publisher. The returned
// cleanup closes the publisher.
func (a *app) newPoller(store db.ExpiryDB, opts poller.Options) (*poller.Poller, func(), error) {
	client := lookup.NewRegistry(a.conf.Lookup.Timeout, a.conf.Lookup.RDAP, a.conf.Lookup.Whois, &logger)
	p := poller.New(store, client, opts)
	p.Logger = &logger
	p.Metrics = poller.NewMetrics(a.registry)

	cleanup := func() {}
	if a.conf.Events.Enabled {
		pub, err := events.New(a.conf.Events.Brokers, a.conf.Events.Topic, &logger)
		if err != nil {
			return nil, nil, err
		}
		p.Publisher = pub
		cleanup = pub.Close
	}
	return p, cleanup, nil
}

// withLease runs fn while holding the single-writer lease, when one is configured. Losing the
// lease abandons the run: dispatch stops and nothing more is written.
func (a *app) withLease(ctx context.Context, fn func(context.Context) error) error {
	if !a.conf.Lock.Enabled {
		return fn(ctx)
	}
	locker, err := lock.New(ctx, a.conf.Lock.RedisURL, a.conf.Lock.Key, a.conf.Lock.TTL)
	if err != nil {
		return err
	}
	defer locker.Close()
	locker.Logger = &logger

	lease, err := locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("another run is in progress: %w", err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to release lease")
		}
	}()
	leaseCtx, cancel := lease.Context(ctx, fmt.Errorf("%w: %w", lock.ErrLost, poller.ErrAbandoned))
	defer cancel()
	return fn(leaseCtx)
}

// runFlags are shared by load and check
type runFlags struct {
	force  bool
	enrich bool
	report string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.force, "force", false, "look every domain up, even the ones checked recently")
	cmd.Flags().BoolVar(&f.enrich, "enrich", false, "detect the language and list archived snapshots of expired domains")
	cmd.Flags().StringVar(&f.report, "report", "", "write the run summary and findings as YAML to this file")
}

// execute runs fn with a store and a poller, then reports. A store error inside the run is
// returned after the partial summary was logged.
func (a *app) execute(ctx context.Context, f runFlags, fn func(context.Context, *poller.Poller) (poller.Summary, error)) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := a.conf.Poller
	opts.Force = f.force
	p, cleanup, err := a.newPoller(store, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	return a.withLease(ctx, func(ctx context.Context) error {
		sum, runErr := fn(ctx, p)
		sum.Log(&logger)

		if f.report != "" {
			if err := writeReport(f.report, sum); err != nil {
				logger.Error().Err(err).Msg("failed to write report")
			}
		}
		if f.enrich {
			e := enrich.New(a.conf.Enrich.Timeout, a.conf.Enrich.WaybackURL, &logger)
			e.Expired(ctx, sum.Findings, a.conf.Enrich.Snapshots)
		}
		return runErr
	})
}

func writeReport(path string, sum poller.Summary) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sum.WriteYAML(fh); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) loadCmd() *cobra.Command {
	var f runFlags
	var sample int
	cmd := &cobra.Command{
		Use:   "load <zonefile>",
		Short: "look up every domain listed in a zone file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			opts := []zone.Option{zone.WithLogger(&logger)}
			if sample > 0 {
				opts = append(opts, zone.WithSample(sample, rand.New(rand.NewSource(time.Now().UnixNano()))))
			}
			set, stats, err := zone.ParseFile(args[0], opts...)
			if err != nil {
				return err
			}
			logger.Info().
				Int("lines", stats.Lines).
				Int("records", stats.Records).
				Int("skipped", stats.Skipped).
				Int("unique", stats.Unique).
				Msg("zone parsed")

			return a.execute(ctx, f, func(ctx context.Context, p *poller.Poller) (poller.Summary, error) {
				return p.Run(ctx, set.Names())
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&sample, "sample", 0, "only read this many randomly chosen zone lines")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "re-check stored domains that have no expiry date or expire soon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return a.execute(ctx, f, func(ctx context.Context, p *poller.Poller) (poller.Summary, error) {
				return p.Maintain(ctx, time.Now())
			})
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch <url> <dst>",
		Short: "download a zone file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			n, err := zone.Fetch(ctx, &http.Client{Timeout: timeout}, args[0], args[1])
			if err != nil {
				return err
			}
			logger.Info().Int64("bytes", n).Str("path", args[1]).Msg("zone downloaded")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up on the download after this long")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the query and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := a.conf.Poller
			opts.Force = true
			checker, cleanup, err := a.newPoller(store, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			c := a.conf.API
			myAPI := api.NewAPI(api.Config{
				ListenAddr:      c.Listen,
				BasePath:        c.BasePath,
				BasePathAdmin:   c.BasePathAdmin,
				IsTLS:           c.TLS,
				TLSCert:         c.TLSCert,
				TLSKey:          c.TLSKey,
				AuthMethodAPI:   c.AuthMethodAPI,
				AuthUsersAPI:    c.AuthUsersAPI,
				AuthMethodAdmin: c.AuthMethodAdmin,
				AuthUsersAdmin:  c.AuthUsersAdmin,
				Logger:          &logger,
				RPS:             c.RPS,
				NearExpiryDays:  a.conf.Poller.NearExpiryDays,
				Horizon:         a.conf.Poller.Horizon,
				Gatherer:        a.registry,
			}, store, checker)

			errc := make(chan error, 1)
			go func() { errc <- myAPI.ListenAndServe() }()
			logger.Info().Str("listen", c.Listen).Msg("api started")

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := myAPI.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("expirywatch version %s, commit %s\n", version, commit)
		},
	}
}
