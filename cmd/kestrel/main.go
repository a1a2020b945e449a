// Package main implements the unified kestrel binary. It can run the
// feature server or drive the batch pipeline stages (generate, compute,
// materialize, query) against the same data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/kestrel-ml/kestrel/internal/app"
	"github.com/kestrel-ml/kestrel/internal/config"
	"github.com/kestrel-ml/kestrel/internal/eventlog"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/internal/retrieval"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		registryArg string
		eventsPath  string
		viewName    string
		entityArg   string
		startArg    string
		endArg      string
		asOfArg     string
		httpAddr    string
		numEvents   int
		online      bool
		skew        bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "serve", "Mode: serve, generate, compute, materialize, query")
	flag.StringVar(&registryArg, "registry", "", "Path to the feature view registry YAML")
	flag.StringVar(&eventsPath, "events", "", "Path to the transaction CSV event log")
	flag.StringVar(&viewName, "view", "", "Feature view name (default: every registered view)")
	flag.StringVar(&entityArg, "entity", "", "Entity ID for query mode")
	flag.StringVar(&startArg, "start", "", "Range start, exclusive (RFC3339 or unix millis)")
	flag.StringVar(&endArg, "end", "", "Range end, inclusive (RFC3339 or unix millis)")
	flag.StringVar(&asOfArg, "as-of", "", "Point-in-time timestamp for query mode (RFC3339 or unix millis)")
	flag.StringVar(&httpAddr, "addr", "", "HTTP listen address for serve mode")
	flag.IntVar(&numEvents, "num-events", 0, "Number of synthetic events for generate mode")
	flag.BoolVar(&online, "online", false, "Query the online store instead of the offline store")
	flag.BoolVar(&skew, "skew", false, "Compare online values against historical replay for the entity")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Kestrel - Point-In-Time Correct Feature Store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode generate --data-dir /data/kestrel\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode compute --events /data/kestrel/transactions.csv\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode materialize --view user_purchase_features\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode query --entity 7 --as-of 2024-06-01T00:00:00Z\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode serve --addr :8080\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_MODE            Mode (serve, generate, compute, materialize, query)\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_HTTP_ADDR       HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_ONLINE_BACKEND  Online store backend (redis, memory)\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_REDIS_ADDR      Redis address for the online store\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_STORAGE_TYPE    Object storage type (none, local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("kestrel version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, registryArg, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx := context.Background()

	switch cfg.Mode {
	case config.ModeServe:
		printBanner(cfg)
		if err := application.Start(ctx); err != nil {
			log.Fatalf("Failed to start: %v", err)
		}
		if err := application.WaitForShutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
			os.Exit(1)
		}
		return

	case config.ModeGenerate:
		err = runGenerate(cfg, eventsPath, numEvents)

	case config.ModeCompute:
		err = runCompute(ctx, application, cfg, eventsPath, viewName, startArg, endArg)

	case config.ModeMaterialize:
		err = runMaterialize(ctx, application, cfg, viewName, startArg, endArg)

	case config.ModeQuery:
		err = runQuery(ctx, application, viewName, entityArg, asOfArg, online, skew)

	default:
		err = fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	stopErr := application.Stop(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if stopErr != nil {
		log.Fatalf("Shutdown error: %v", stopErr)
	}
}

func loadConfig(configFile, dataDir, mode, registryPath, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

func runGenerate(cfg *config.Config, eventsPath string, numEvents int) error {
	genCfg := eventlog.DefaultGeneratorConfig()
	if numEvents > 0 {
		genCfg.NumEvents = numEvents
	}

	events := eventlog.Generate(genCfg)
	path := resolveEventsPath(cfg, eventsPath)
	if err := eventlog.WriteCSV(path, events); err != nil {
		return fmt.Errorf("writing event log: %w", err)
	}

	log.Printf("generate: wrote %d events to %s", len(events), path)
	return nil
}

func runCompute(ctx context.Context, application *app.App, cfg *config.Config, eventsPath, viewName, startArg, endArg string) error {
	rng, err := parseRange(startArg, endArg)
	if err != nil {
		return err
	}

	path := resolveEventsPath(cfg, eventsPath)
	it, err := eventlog.NewCSVReader(path).Read(rng)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	events, malformed, err := eventlog.ReadAll(it)
	if err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}
	if malformed > 0 {
		log.Printf("compute: skipped %d malformed records in %s", malformed, path)
	}

	views, err := selectViews(application.Registry(), viewName)
	if err != nil {
		return err
	}

	for _, view := range views {
		rows, summary, err := application.Engine().Run(ctx, events, view)
		if err != nil {
			return fmt.Errorf("computing %s: %w", view.Name, err)
		}
		if len(rows) == 0 {
			log.Printf("compute: view=%s produced no rows", view.Name)
			continue
		}
		info, err := application.OfflineStore().Append(ctx, view.Name, rows)
		if err != nil {
			return fmt.Errorf("appending %s rows: %w", view.Name, err)
		}
		log.Printf("compute: view=%s events=%d entities=%d rows=%d segment=%s",
			view.Name, summary.EventsIn, summary.EntitiesProcessed, summary.RowsOut, info.SegmentID)
	}
	return nil
}

func runMaterialize(ctx context.Context, application *app.App, cfg *config.Config, viewName, startArg, endArg string) error {
	rng, err := parseRange(startArg, endArg)
	if err != nil {
		return err
	}

	views, err := selectViews(application.Registry(), viewName)
	if err != nil {
		return err
	}

	for _, view := range views {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Materialize.OpTimeout)
		summary, err := application.Materializer().Run(runCtx, view, rng)
		cancel()
		if err != nil {
			return fmt.Errorf("materializing %s: %w", view.Name, err)
		}
		log.Printf("materialize: job=%s view=%s scanned=%d written=%d watermark=%d..%d",
			summary.JobID, view.Name, summary.RowsScanned, summary.EntitiesWritten,
			summary.WatermarkFrom, summary.WatermarkTo)
	}
	return nil
}

func runQuery(ctx context.Context, application *app.App, viewName, entityArg, asOfArg string, online, skew bool) error {
	if entityArg == "" {
		return fmt.Errorf("query mode requires --entity")
	}
	entityID, err := strconv.ParseInt(entityArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entity ID %q", entityArg)
	}

	views, err := selectViews(application.Registry(), viewName)
	if err != nil {
		return err
	}
	view := views[0]

	if skew {
		checker := retrieval.NewChecker(application.HistoricalReader(), application.OnlineReader())
		report, err := checker.Check(ctx, view, []int64{entityID})
		if err != nil {
			return err
		}
		fmt.Printf("view=%s entity=%d checked=%d mismatches=%d\n",
			view.Name, entityID, report.Checked, len(report.Mismatches))
		for _, mm := range report.Mismatches {
			fmt.Printf("  entity=%d online=%v historical=%v\n",
				mm.EntityID, mm.Online, mm.Historical)
		}
		return nil
	}

	if online {
		results, err := application.OnlineReader().GetOnline(ctx, view, []int64{entityID})
		if err != nil {
			return err
		}
		printOnlineResult(view.Name, results[0])
		return nil
	}

	asOf := time.Now().UTC().UnixMilli()
	if asOfArg != "" {
		asOf, err = parseTimestamp(asOfArg)
		if err != nil {
			return err
		}
	}

	results, err := application.HistoricalReader().GetHistorical(ctx, view,
		[]retrieval.Pair{{EntityID: entityID, AsOf: asOf}})
	if err != nil {
		return err
	}
	printHistoricalResult(view.Name, results[0])
	return nil
}

func printOnlineResult(viewName string, res retrieval.OnlineResult) {
	if !res.Found {
		fmt.Printf("view=%s entity=%d: no online record\n", viewName, res.EntityID)
		return
	}
	fmt.Printf("view=%s entity=%d valid_from=%s\n", viewName, res.EntityID,
		time.UnixMilli(res.ValidFrom).UTC().Format(time.RFC3339))
	printFeatureValues(res.FeatureValues)
}

func printHistoricalResult(viewName string, res retrieval.Result) {
	if !res.Found {
		fmt.Printf("view=%s entity=%d as_of=%s: no feature row\n", viewName, res.EntityID,
			time.UnixMilli(res.AsOf).UTC().Format(time.RFC3339))
		return
	}
	fmt.Printf("view=%s entity=%d as_of=%s event_time=%s\n", viewName, res.EntityID,
		time.UnixMilli(res.AsOf).UTC().Format(time.RFC3339),
		time.UnixMilli(res.RowEventTime).UTC().Format(time.RFC3339))
	printFeatureValues(res.FeatureValues)
}

func printFeatureValues(values map[string]float64) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s=%g\n", name, values[name])
	}
}

func selectViews(reg *registry.Registry, viewName string) ([]*registry.FeatureView, error) {
	if viewName != "" {
		view, err := reg.View(viewName)
		if err != nil {
			return nil, err
		}
		return []*registry.FeatureView{view}, nil
	}
	views := reg.Views()
	if len(views) == 0 {
		return nil, fmt.Errorf("registry has no feature views")
	}
	return views, nil
}

func resolveEventsPath(cfg *config.Config, eventsPath string) string {
	if eventsPath != "" {
		return eventsPath
	}
	return filepath.Join(cfg.DataDir, "transactions.csv")
}

func parseRange(startArg, endArg string) (types.TimeRange, error) {
	var rng types.TimeRange
	var err error

	if startArg != "" {
		rng.Start, err = parseTimestamp(startArg)
		if err != nil {
			return types.TimeRange{}, err
		}
	}
	if endArg != "" {
		rng.End, err = parseTimestamp(endArg)
		if err != nil {
			return types.TimeRange{}, err
		}
	}
	return rng, nil
}

// parseTimestamp accepts RFC3339, date-only, or unix milliseconds.
func parseTimestamp(raw string) (int64, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid timestamp %q (want RFC3339 or unix millis)", raw)
}

func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       KESTREL                             ║")
	log.Printf("║        Point-In-Time Correct Feature Store                ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	log.Printf("  Online:   %s", cfg.Online.Backend)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("")
}
