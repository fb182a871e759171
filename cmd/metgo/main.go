package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	httpapi "github.com/agrometeo/metgo/internal/api/http"
	"github.com/agrometeo/metgo/internal/config"
	"github.com/agrometeo/metgo/internal/derive"
	"github.com/agrometeo/metgo/internal/ingest"
	"github.com/agrometeo/metgo/internal/logging"
	"github.com/agrometeo/metgo/internal/query"
	"github.com/agrometeo/metgo/internal/scheduler"
	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
	"github.com/agrometeo/metgo/internal/weather/providers"
)

const usage = `usage: metgo <command> [flags]

commands:
  serve    run the ingestion service and HTTP API
  ingest   ad-hoc back-fill for a station window
  query    print stored observations as JSON lines
  purge    delete observations older than a horizon
  status   print the last ingestion report per station
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "ingest":
		err = runIngest(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "purge":
		err = runPurge(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "metgo:", err)
		os.Exit(1)
	}
}

// app bundles what every subcommand needs after bootstrap.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
}

func bootstrap() (*app, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "metgo: loading .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.SyncStations(cfg.Stations); err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: st}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
	_ = a.store.Close()
}

// buildAdapters assembles the priority chain from the configured
// providers, in declared order.
func buildAdapters(cfg *config.Config) []weather.Adapter {
	client := &http.Client{Timeout: 10 * time.Second}

	var chain []weather.Adapter
	for _, p := range cfg.Providers {
		switch p.Kind {
		case "openmeteo":
			chain = append(chain, providers.NewOpenMeteoAdapter(client, providers.OpenMeteoConfig{
				BaseURL:        p.BaseURL,
				RequestsPerMin: p.RequestsPerMin,
			}))
		case "openweathermap":
			chain = append(chain, providers.NewOpenWeatherMapAdapter(client, providers.OpenWeatherMapConfig{
				APIKey:         p.APIKey,
				BaseURL:        p.BaseURL,
				RequestsPerMin: p.RequestsPerMin,
			}))
		case "manual":
			chain = append(chain, providers.NewManualAdapter(providers.ManualConfig{
				Path:            p.Path,
				TZOffsetMinutes: p.TZOffsetMinutes,
			}))
		case "synthetic":
			chain = append(chain, providers.NewSyntheticAdapter())
		}
	}
	return chain
}

func (a *app) coordinator() *ingest.Coordinator {
	return ingest.New(a.store, buildAdapters(a.cfg), a.log, ingest.Options{
		Workers:           a.cfg.Workers,
		KeepRejected:      a.cfg.KeepRejected,
		SyntheticFallback: a.cfg.SyntheticFallback == nil || *a.cfg.SyntheticFallback,
		OutlierCapping:    a.cfg.Outlier.Enabled,
		OutlierFactor:     a.cfg.Outlier.Factor,
	})
}

// ingestCoordinator builds a coordinator optionally restricted to a
// single provider kind, with the manual dump path overridable for
// one-off back-fills.
func (a *app) ingestCoordinator(kind, file string) (*ingest.Coordinator, error) {
	if file != "" && kind == "" {
		kind = "manual"
	}
	if kind == "" {
		return a.coordinator(), nil
	}

	var selected []config.ProviderConfig
	for _, p := range a.cfg.Providers {
		if p.Kind != kind {
			continue
		}
		if file != "" {
			p.Path = file
		}
		selected = append(selected, p)
	}
	if len(selected) == 0 {
		if kind == "manual" && file != "" {
			selected = []config.ProviderConfig{{Kind: "manual", Path: file}}
		} else {
			return nil, fmt.Errorf("%w: no configured provider of kind %q", weather.ErrConfig, kind)
		}
	}

	sub := *a.cfg
	sub.Providers = selected
	return ingest.New(a.store, buildAdapters(&sub), a.log, ingest.Options{
		Workers:      a.cfg.Workers,
		KeepRejected: a.cfg.KeepRejected,
		// A restricted run should report its failures, not mask
		// them with synthetic data.
		SyntheticFallback: false,
		OutlierCapping:    a.cfg.Outlier.Enabled,
		OutlierFactor:     a.cfg.Outlier.Factor,
	}), nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "", "listen port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	coord := a.coordinator()
	qs := query.New(a.store, a.cfg.RetentionDays)
	ds := derive.New(qs, coord, a.cfg.Crops, a.cfg.Pests)

	sched := scheduler.New(coord, a.store, a.cfg.Stations, scheduler.Options{
		RefreshMinutes: a.cfg.RefreshMinutes,
		RetentionDays:  a.cfg.RetentionDays,
		Location:       a.cfg.Location(),
	}, a.log)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	srv := fiber.New(fiber.Config{
		AppName:               "metgo",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})
	srv.Use(fiberlogger.New())
	srv.Use(recover.New())

	srv.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "metgo",
		})
	})
	httpapi.RegisterRoutes(srv, httpapi.Deps{
		Query:    qs,
		Derive:   ds,
		Store:    a.store,
		Stations: a.cfg.Stations,
	})

	listen := a.cfg.Port
	if *port != "" {
		listen = *port
	}
	go func() {
		if err := srv.Listen(":" + listen); err != nil {
			a.log.Error("http server stopped", zap.Error(err))
		}
	}()
	a.log.Info("serving", zap.String("port", listen))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		a.log.Error("http shutdown", zap.Error(err))
	}
	return nil
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	stationsFlag := fs.String("stations", "", "comma-separated station ids (default: all)")
	fromFlag := fs.String("from", "", "window start, RFC3339 (default: 24h ago)")
	toFlag := fs.String("to", "", "window end, RFC3339 (default: now)")
	providerFlag := fs.String("provider", "", "restrict to one provider kind")
	fileFlag := fs.String("file", "", "dump file for the manual provider (implies --provider manual)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	from, to, err := parseWindow(*fromFlag, *toFlag, 24*time.Hour)
	if err != nil {
		return err
	}
	stations, err := selectStations(a.cfg, *stationsFlag)
	if err != nil {
		return err
	}
	coord, err := a.ingestCoordinator(*providerFlag, *fileFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reports := coord.Refresh(ctx, stations, from, to)
	enc := json.NewEncoder(os.Stdout)
	var failed bool
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return err
		}
		if r.RecordsAccepted == 0 && len(r.Errors) > 0 {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more stations ingested nothing")
	}
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	stationsFlag := fs.String("stations", "", "comma-separated station ids (default: all)")
	fromFlag := fs.String("from", "", "window start, RFC3339 (default: 24h ago)")
	toFlag := fs.String("to", "", "window end, RFC3339 (default: now)")
	granFlag := fs.String("granularity", "raw", "raw, hourly, or daily")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	from, to, err := parseWindow(*fromFlag, *toFlag, 24*time.Hour)
	if err != nil {
		return err
	}
	gran, err := query.ParseGranularity(*granFlag)
	if err != nil {
		return err
	}
	stations, err := selectStations(a.cfg, *stationsFlag)
	if err != nil {
		return err
	}
	ids := make([]string, len(stations))
	for i, st := range stations {
		ids[i] = st.ID
	}

	points, err := query.New(a.store, a.cfg.RetentionDays).Series(ids, from, to, gran)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, p := range points {
		var record any = p.Observation
		if p.Daily != nil {
			record = p.Daily
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	olderThan := fs.Int("older-than", 0, "delete observations older than this many days (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return fmt.Errorf("--older-than must be a positive number of days")
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	cutoff := time.Now().UTC().AddDate(0, 0, -*olderThan)

	// Summaries first so no day loses its rollup.
	pending, err := a.store.StationDaysBefore(cutoff)
	if err != nil {
		return err
	}
	for stationID, days := range pending {
		for _, day := range days {
			if _, err := a.store.SummarizeDay(stationID, day); err != nil {
				return err
			}
		}
	}

	removed, err := a.store.PurgeOlderThan(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d observations older than %s\n", removed, cutoff.Format(time.RFC3339))
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	reports, err := a.store.LastReports()
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("no ingestion activity recorded")
		return nil
	}
	for _, r := range reports {
		line := fmt.Sprintf("%-20s provider=%s accepted=%d repaired=%d rejected=%d",
			r.StationID, r.ProviderUsed, r.RecordsAccepted, r.RecordsRepaired, r.RecordsRejected)
		if r.Fallback {
			line += " fallback=true"
		}
		if len(r.Errors) > 0 {
			line += " errors=" + strings.Join(r.Errors, "; ")
		}
		if last, err := a.store.LastSuccessfulIngestion(r.StationID); err == nil && !last.IsZero() {
			line += " last_success=" + last.Format(time.RFC3339)
		}
		fmt.Println(line)
	}
	return nil
}

func parseWindow(fromStr, toStr string, span time.Duration) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = parsed.UTC()
	}
	from := to.Add(-span)
	if fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = parsed.UTC()
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not precede --from")
	}
	return from, to, nil
}

func selectStations(cfg *config.Config, flagValue string) ([]weather.Station, error) {
	if flagValue == "" {
		return cfg.Stations, nil
	}
	var out []weather.Station
	for _, id := range strings.Split(flagValue, ",") {
		st, ok := cfg.Station(id)
		if !ok {
			return nil, fmt.Errorf("unknown station %q", id)
		}
		out = append(out, st)
	}
	return out, nil
}
