package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/aws_s3"
	"github.com/IliaW/directory-scrape-worker/internal/broker"
	"github.com/IliaW/directory-scrape-worker/internal/browser"
	cacheClient "github.com/IliaW/directory-scrape-worker/internal/cache"
	"github.com/IliaW/directory-scrape-worker/internal/checkpoint"
	"github.com/IliaW/directory-scrape-worker/internal/crawler"
	"github.com/IliaW/directory-scrape-worker/internal/discovery"
	"github.com/IliaW/directory-scrape-worker/internal/metrics"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	"github.com/IliaW/directory-scrape-worker/internal/persistence"
	"github.com/IliaW/directory-scrape-worker/internal/proxy"
	"github.com/IliaW/directory-scrape-worker/internal/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	modeUse    = "use"
	modeResume = "resume"
	modeFresh  = "fresh"
)

// flagKeys maps command line flags to config keys. Flags of the running command are bound
// to viper before the config is loaded.
var flagKeys = map[string]string{
	"pages":          "discovery.pages",
	"checkpoint-dir": "discovery.checkpoint_dir",
	"workers":        "worker.workers",
	"use-proxies":    "worker.use_proxies",
	"max-errors":     "worker.max_errors",
	"delay":          "worker.delay",
	"skip-known":     "worker.skip_known",
	"cooldown":       "proxy.cooldown",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "directory-scrape-worker",
		Short:         "Discovers and scrapes directory entries through a rotating proxy pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.GetViper()
			for flag, key := range flagKeys {
				if f := cmd.Flags().Lookup(flag); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return fmt.Errorf("bind flag %s: %w", flag, err)
					}
				}
			}
			var err error
			cfg, err = config.Load(v)
			if err != nil {
				return err
			}
			log = setupLogger().With(slog.String("run_id", uuid.NewString()))
			return nil
		},
	}
	cmd.AddCommand(newScrapeCmd(), newDiscoverCmd(), newCheckpointCmd(), newStatsCmd())

	return cmd
}

func newScrapeCmd() *cobra.Command {
	var mode, name string
	cmd := &cobra.Command{
		Use:   "scrape [base-query-url]",
		Short: "Discover item links and scrape every item into the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args, mode, name)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", modeResume, "existing links: use | resume | fresh")
	cmd.Flags().StringVar(&name, "name", "", "checkpoint name, derived from the base query by default")
	cmd.Flags().Int("pages", 0, "number of result pages to discover")
	cmd.Flags().String("checkpoint-dir", "", "directory for link checkpoints")
	cmd.Flags().Int("workers", 0, "number of concurrent workers (1-20)")
	cmd.Flags().Bool("use-proxies", false, "rotate proxies from the proxy file")
	cmd.Flags().Int("max-errors", 0, "consecutive errors before a proxy swap")
	cmd.Flags().Duration("delay", 0, "delay between items of one worker")
	cmd.Flags().Bool("skip-known", false, "skip items that are already stored")
	cmd.Flags().Duration("cooldown", 0, "how long a failed proxy stays hot")

	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var mode, name string
	cmd := &cobra.Command{
		Use:   "discover <base-query-url>",
		Short: "Only discover item links and save them to a checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode == modeUse {
				return fmt.Errorf("mode %q is not supported by discover", mode)
			}
			store, err := checkpoint.NewFileStore(cfg.DiscoverySettings.CheckpointDir, log)
			if err != nil {
				return err
			}
			cpName, baseQuery, err := resolveName(args, name)
			if err != nil {
				return err
			}
			items, err := discoverItems(cmd.Context(), store, cpName, baseQuery, mode, explicitPages(cmd))
			if errors.Is(err, context.Canceled) {
				log.Warn("link discovery interrupted. progress is saved.", slog.String("name", cpName))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unique links saved to checkpoint %s\n", len(items), cpName)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", modeResume, "existing links: resume | fresh")
	cmd.Flags().StringVar(&name, "name", "", "checkpoint name, derived from the base query by default")
	cmd.Flags().Int("pages", 0, "number of result pages to discover")
	cmd.Flags().String("checkpoint-dir", "", "directory for link checkpoints")

	return cmd
}

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage link discovery checkpoints",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := checkpoint.NewFileStore(cfg.DiscoverySettings.CheckpointDir, log)
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), store)
		},
	}
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a checkpoint so the next run starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := checkpoint.NewFileStore(cfg.DiscoverySettings.CheckpointDir, log)
			if err != nil {
				return err
			}
			if err = store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s deleted\n", args[0])
			return nil
		},
	}
	list.Flags().String("checkpoint-dir", "", "directory for link checkpoints")
	del.Flags().String("checkpoint-dir", "", "directory for link checkpoints")
	cmd.AddCommand(list, del)

	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print field coverage of the stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := setupDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDatabase(db)
			repo, err := persistence.NewRecordRepository(db, cfg.DbSettings.Table, nil, nil, log)
			if err != nil {
				return err
			}
			stats, err := repo.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), cfg.DbSettings.Name, stats)
			return nil
		},
	}
}

func runScrape(cmd *cobra.Command, args []string, mode, name string) error {
	ctx := cmd.Context()
	store, err := checkpoint.NewFileStore(cfg.DiscoverySettings.CheckpointDir, log)
	if err != nil {
		return err
	}
	cpName, baseQuery, err := resolveName(args, name)
	if err != nil {
		return err
	}

	items, err := discoverItems(ctx, store, cpName, baseQuery, mode, explicitPages(cmd))
	if errors.Is(err, context.Canceled) {
		log.Warn("link discovery interrupted. progress is saved.", slog.String("name", cpName))
		return nil
	}
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("no links extracted, check the base query")
	}
	log.Info("unique links ready for scraping.", slog.Int("count", len(items)))

	db, err := setupDatabase(ctx)
	if err != nil {
		return err
	}
	defer closeDatabase(db)
	repo, closeCache, err := newRecordRepository(ctx, db)
	if err != nil {
		return err
	}
	defer closeCache()

	known := 0
	if cfg.WorkerSettings.SkipKnown {
		stored, err := repo.KnownSourceURLs(ctx)
		if err != nil {
			return err
		}
		items, known = worker.FilterKnown(items, stored)
		log.Info("known links skipped.", slog.Int("skipped", known), slog.Int("remaining", len(items)))
	}

	var (
		proxies worker.ProxySource
		pool    *proxy.Pool
	)
	if cfg.WorkerSettings.UseProxies {
		list, err := proxy.LoadProxies(cfg.ProxySettings.File)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("no proxies found in %s", cfg.ProxySettings.File)
		}
		pool = proxy.NewPool(list, cfg.ProxySettings.Cooldown, log)
		proxies = pool
		log.Info("proxy pool loaded.", slog.Int("total", pool.Status().Total))
	}

	var recorder worker.Recorder
	if cfg.MetricsSettings != nil && cfg.MetricsSettings.Addr != "" {
		r, err := metrics.NewRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		if pool != nil {
			if err = r.WatchProxyPool(pool); err != nil {
				return err
			}
		}
		recorder = r
		go metrics.Serve(ctx, cfg.MetricsSettings.Addr, prometheus.DefaultGatherer, log)
	}

	var (
		recordChan chan *model.Record
		producerWg sync.WaitGroup
	)
	if p := kafkaProducerConfig(); p != nil {
		recordChan = make(chan *model.Record, 100)
		producerWg.Add(1)
		go broker.NewKafkaProducer(recordChan, p, log, &producerWg).Run()
	}

	scrapeWorker := &worker.ScrapeWorker{
		Sessions:   browser.NewSessionFactory(cfg.BrowserSettings, log),
		Proxies:    proxies,
		Store:      repo,
		OutputChan: recordChan,
		Recorder:   recorder,
		Cfg:        cfg.WorkerSettings,
		Log:        log,
	}
	summary := scrapeWorker.Run(ctx, items)
	summary.Skipped += known
	if recordChan != nil {
		close(recordChan)
		producerWg.Wait()
	}
	log.Info("scraping complete.", slog.Int("inserted", summary.Inserted), slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed), slog.Int("proxy_swaps", summary.ProxySwaps),
		slog.Duration("elapsed", summary.Elapsed))
	printSummary(cmd.OutOrStdout(), summary, pool != nil)

	stats, err := repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), cfg.DbSettings.Name, stats)

	return nil
}

func resolveName(args []string, name string) (string, string, error) {
	baseQuery := ""
	if len(args) > 0 {
		baseQuery = args[0]
	}
	if name != "" {
		return name, baseQuery, nil
	}
	if baseQuery == "" {
		return "", "", errors.New("a base query url or --name is required")
	}
	return checkpoint.NameFor(baseQuery), baseQuery, nil
}

// explicitPages returns the page total given on the command line, or 0 when --pages was not set.
func explicitPages(cmd *cobra.Command) int {
	if cmd.Flags().Changed("pages") {
		return cfg.DiscoverySettings.Pages
	}
	return 0
}

// discoverItems returns the item list for the checkpoint according to mode. A resumed checkpoint
// keeps its saved page total unless pages is positive.
func discoverItems(ctx context.Context, store *checkpoint.FileStore, name, baseQuery, mode string,
	pages int) ([]string, error) {
	existing, err := store.Load(name)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if existing != nil {
		log.Info("found existing link data.", slog.String("name", name), slog.Int("links", existing.ItemCount),
			slog.String("pages", fmt.Sprintf("%d/%d", existing.LastPage, existing.TotalPages)),
			slog.String("status", existing.Status()))
	}

	switch mode {
	case modeUse:
		if existing == nil {
			return nil, fmt.Errorf("no checkpoint named %s", name)
		}
		log.Info("using existing links.", slog.Int("count", len(existing.Items)))
		return existing.Items, nil
	case modeFresh:
		if err = store.Delete(name); err != nil {
			return nil, err
		}
		existing = nil
		log.Info("deleted old link data, starting fresh.", slog.String("name", name))
	case modeResume:
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	fetcher, closeFetcher, err := newPageFetcher(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFetcher()

	dc := cfg.DiscoverySettings
	if pages <= 0 && existing == nil {
		pages = dc.Pages
	}
	d := discovery.New(fetcher, store, dc.PageParam, dc.PageDelay, log)
	res, err := d.Run(ctx, name, baseQuery, pages, existing)
	if err != nil {
		return nil, err
	}

	return res.Items, nil
}

// newPageFetcher picks the listing fetch mechanism. Discovery always uses a direct connection.
func newPageFetcher(ctx context.Context) (discovery.PageFetcher, func(), error) {
	dc := cfg.DiscoverySettings
	mechanism := model.ScrapeMechanism(dc.ScrapeMechanism)
	log.Info("listing fetch mechanism.", slog.String("mechanism", mechanism.String()))
	if mechanism == model.HeadlessBrowser {
		session, err := browser.NewSessionFactory(cfg.BrowserSettings, log).OpenSession(ctx, "")
		if err != nil {
			return nil, nil, err
		}
		fetcher := &browser.ListingFetcher{Session: session, ResultSelector: dc.ResultSelector, ItemMarker: dc.ItemMarker}
		return fetcher, func() { _ = session.Close() }, nil
	}
	return crawler.NewListingCrawler(dc, cfg.BrowserSettings.UserAgent, log), func() {}, nil
}

func newRecordRepository(ctx context.Context, db *sql.DB) (*persistence.RecordRepository, func(), error) {
	var seen cacheClient.SeenCache
	if cc := cfg.CacheSettings; cc != nil && cc.Servers != "" {
		seen = cacheClient.NewMemcachedClient(cc, cacheClient.Namespace(cfg.DbSettings.Name, cfg.DbSettings.Table), log)
	} else {
		ttl := config.DefaultSeenTTL
		if cc != nil {
			ttl = cc.TtlForSeen
		}
		seen = cacheClient.NewLocalCache(ttl)
	}

	var archive aws_s3.BucketClient
	if s := cfg.S3Settings; s != nil && s.BucketName != "" {
		archive = aws_s3.NewS3BucketClient(s, log)
	}

	repo, err := persistence.NewRecordRepository(db, cfg.DbSettings.Table, seen, archive, log)
	if err != nil {
		seen.Close()
		return nil, nil, err
	}
	if err = repo.EnsureSchema(ctx); err != nil {
		seen.Close()
		return nil, nil, err
	}

	return repo, seen.Close, nil
}

func kafkaProducerConfig() *config.ProducerConfig {
	if cfg.KafkaSettings == nil || cfg.KafkaSettings.Producer == nil || cfg.KafkaSettings.Producer.Addr == "" {
		return nil
	}
	return cfg.KafkaSettings.Producer
}

func printSummary(w io.Writer, s *worker.Summary, withProxies bool) {
	fmt.Fprintln(w, "Scraping complete!")
	fmt.Fprintf(w, "  Time elapsed: %.1fs (%.1f min)\n", s.Elapsed.Seconds(), s.Elapsed.Minutes())
	fmt.Fprintf(w, "  Inserted: %d\n", s.Inserted)
	fmt.Fprintf(w, "  Skipped:  %d\n", s.Skipped)
	fmt.Fprintf(w, "  Failed:   %d\n", s.Failed)
	if withProxies {
		fmt.Fprintf(w, "  Proxy swaps: %d\n", s.ProxySwaps)
	}
	if s.Aborted > 0 {
		fmt.Fprintf(w, "  Workers stopped early: %d\n", s.Aborted)
	}
}

func printStats(w io.Writer, dbName string, s *model.StoreStats) {
	fmt.Fprintf(w, "Database (%s):\n", dbName)
	fmt.Fprintf(w, "  Total records: %d\n", s.Total)
	fmt.Fprintf(w, "  With email:    %d\n", s.WithEmail)
	fmt.Fprintf(w, "  With website:  %d\n", s.WithWebsite)
	fmt.Fprintf(w, "  With phone:    %d\n", s.WithPhone)
	fmt.Fprintf(w, "  With type:     %d\n", s.WithType)
}

func printCheckpoints(w io.Writer, store checkpoint.Storage) error {
	names, err := store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "no checkpoints found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLINKS\tPAGES\tSTATUS\tUPDATED")
	for _, name := range names {
		cp, err := store.Load(name)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\tunreadable\t-\n", name)
			continue
		}
		if cp == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\t%s\n", name, cp.ItemCount, cp.LastPage, cp.TotalPages, cp.Status(),
			cp.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
