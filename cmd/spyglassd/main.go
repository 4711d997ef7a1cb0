// Command spyglassd runs the Spyglass crawl/index/search daemon: the
// Scheduler, Worker Pool, Connector Sync scheduler, and FS Watcher all run
// as goroutines behind a single RPC server (spec §5/§6).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avenoir-dev/spyglass/internal/config"
	"github.com/avenoir-dev/spyglass/internal/connector"
	"github.com/avenoir-dev/spyglass/internal/diagnostics"
	"github.com/avenoir-dev/spyglass/internal/fetcher"
	"github.com/avenoir-dev/spyglass/internal/fswatch"
	"github.com/avenoir-dev/spyglass/internal/index"
	"github.com/avenoir-dev/spyglass/internal/lens"
	"github.com/avenoir-dev/spyglass/internal/metrics"
	"github.com/avenoir-dev/spyglass/internal/parser"
	"github.com/avenoir-dev/spyglass/internal/robots"
	"github.com/avenoir-dev/spyglass/internal/rpc"
	"github.com/avenoir-dev/spyglass/internal/scheduler"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/avenoir-dev/spyglass/internal/store/sqlite"
	"github.com/avenoir-dev/spyglass/internal/worker"
)

// shutdownGrace matches spec §5's recommended bounded grace period: after
// this, termination is immediate and any partial task reverts to Queued on
// next startup via reset_processing.
const shutdownGrace = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:           "spyglassd",
		Short:         "Personal search engine: crawl scheduler, fetch/parse pipeline, index, and RPC API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "preference/data directory")

	root.AddCommand(newServeCmd(&dataDir))
	root.AddCommand(newRecrawlCmd(&dataDir))
	root.AddCommand(newLensCmd(&dataDir))
	return root
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.spyglass"
	}
	return ".spyglass"
}

// daemon bundles every long-running component main wires together, so
// serve/recrawl/lens subcommands can share the same open-store-and-index
// bootstrap.
type daemon struct {
	logger   *slog.Logger
	layout   config.Layout
	settings *config.Store
	store    store.Store
	idx      *index.Index
	lenses   *lens.Registry
}

func openDaemon(dataDir string) (*daemon, error) {
	logger := slog.Default()
	layout := config.NewLayout(dataDir)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	settings, err := config.Open(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("spyglassd: open config: %w", err)
	}

	st, err := sqlite.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("spyglassd: open store: %w", err)
	}

	idx, err := index.Open(layout.IndexDir())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("spyglassd: open index: %w", err)
	}

	lenses := lens.New(st)
	return &daemon{logger: logger, layout: layout, settings: settings, store: st, idx: idx, lenses: lenses}, nil
}

func (d *daemon) Close() {
	d.idx.Close()
	d.store.Close()
}

// loadLensFiles syncs the on-disk lens TOML files into the Store, so
// search/RPC handlers that read lens rows via Store.ListLenses see them.
func (d *daemon) loadLensFiles(ctx context.Context) error {
	cfgs, err := config.LoadLenses(d.layout.LensesDir())
	if err != nil {
		return fmt.Errorf("spyglassd: load lenses: %w", err)
	}
	for _, cfg := range cfgs {
		if _, err := d.store.UpsertLens(ctx, cfg); err != nil {
			return fmt.Errorf("spyglassd: upsert lens %q: %w", cfg.Name, err)
		}
	}
	return nil
}

func newServeCmd(dataDir *string) *cobra.Command {
	var port int
	var connectorSchedule string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl scheduler, worker pool, connector sync, fs watcher, and RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *dataDir, port, connectorSchedule)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "RPC listen port (0 = use the configured default)")
	cmd.Flags().StringVar(&connectorSchedule, "connector-schedule", "@every 30m", "cron expression for connector sync")
	return cmd
}

func runServe(ctx context.Context, dataDir string, port int, connectorSchedule string) error {
	d, err := openDaemon(dataDir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.store.ResetProcessing(ctx); err != nil {
		return fmt.Errorf("spyglassd: reset_processing: %w", err)
	}
	if err := d.loadLensFiles(ctx); err != nil {
		return err
	}

	settings := d.settings.Settings()
	storeSettings := settings.StoreSettings()
	stats := diagnostics.NewTracker()

	auditFetcher, err := fetcher.New(fetcher.Config{}, d.store, nil, nil)
	if err != nil {
		return fmt.Errorf("spyglassd: new robots fetcher: %w", err)
	}
	auditor := robots.NewAuditor(d.store, auditFetcher)

	connectors := connector.NewRegistry()
	htmlParser := parser.New()
	crawlFetcher, err := fetcher.New(fetcher.Config{}, d.store, htmlParser, connectors)
	if err != nil {
		return fmt.Errorf("spyglassd: new fetcher: %w", err)
	}

	sched := scheduler.New(d.store, scheduler.Config{Settings: storeSettings})
	pool := worker.New(d.store, d.idx, crawlFetcher, d.lenses, auditor, sched.Tasks(), worker.Config{
		Concurrency: 4,
		Settings:    storeSettings,
	}, d.logger, stats)

	connSched, err := connector.NewScheduler(connectors, d.store, storeSettings, connectorSchedule, d.logger, stats)
	if err != nil {
		return fmt.Errorf("spyglassd: new connector scheduler: %w", err)
	}

	fsExtensions := settings.FSWatchExtensions
	if len(fsExtensions) == 0 {
		fsExtensions = defaultFSExtensions
	}
	fsDispatcher := fswatch.NewDispatcher(d.store, d.idx, fsExtensions, storeSettings, d.logger, stats)
	watcher, err := fswatch.New(d.store, fswatch.DefaultDebounce, d.logger)
	if err != nil {
		return fmt.Errorf("spyglassd: new fs watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range settings.FSWatchRoots {
		events, err := watcher.InitializePath(ctx, root)
		if err != nil {
			return fmt.Errorf("spyglassd: initialize fs watch root %q: %w", root, err)
		}
		for _, ev := range events {
			if err := fsDispatcher.Dispatch(ctx, ev); err != nil {
				d.logger.Error("spyglassd: dispatch initial fs event", "uri", ev.URI, "err", err)
			}
		}
		if err := watcher.WatchPath(root); err != nil {
			return fmt.Errorf("spyglassd: watch fs root %q: %w", root, err)
		}
	}

	if port == 0 {
		port = int(settings.Port)
	}
	metricsSrv := metrics.Start(port + 1)

	rpcServer := rpc.NewServer(rpc.Server{
		Store:       d.store,
		Index:       d.idx,
		Lenses:      d.lenses,
		Layout:      d.layout,
		Settings:    d.settings,
		Connectors:  connSched,
		CrawlPauser: sched,
		Stats:       stats,
		Logger:      d.logger,
	})
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: rpcServer.Router(),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(gctx) })
	group.Go(func() error { return pool.Run(gctx) })
	group.Go(func() error {
		connSched.Start()
		<-gctx.Done()
		connSched.Stop()
		return nil
	})
	group.Go(func() error {
		return watcher.Run(gctx, func(ctx context.Context, ev fswatch.Event) {
			if err := fsDispatcher.Dispatch(ctx, ev); err != nil {
				d.logger.Error("spyglassd: dispatch fs event", "uri", ev.URI, "err", err)
			}
		})
	})
	group.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("spyglassd: rpc server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = metricsSrv.Stop(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	d.logger.Info("spyglassd: serving", "port", port)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// defaultFSExtensions mirrors internal/rpc's default_indices extension
// list; kept local to avoid an import cycle (rpc depends on nothing in
// cmd, and fswatch shouldn't depend on rpc).
var defaultFSExtensions = []string{"txt", "md", "markdown", "org", "rst", "pdf", "html", "htm"}

func newRecrawlCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recrawl <domain>",
		Short: "Re-enqueue every indexed document under a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(*dataDir)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx := cmd.Context()
			domain := args[0]
			urls, err := d.store.FindURLsByDomain(ctx, domain)
			if err != nil {
				return err
			}
			added, err := d.store.EnqueueAll(ctx, urls, d.settings.Settings().StoreSettings(), store.EnqueueSettings{
				ForceAllow:   true,
				SourceDomain: domain,
			})
			if err != nil {
				return err
			}
			fmt.Printf("re-enqueued %d of %d indexed urls under %s\n", added, len(urls), domain)
			return nil
		},
	}
}

func newLensCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{Use: "lens", Short: "Manage installed lenses"}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Uninstall a lens and purge documents exclusive to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			d, err := openDaemon(*dataDir)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx := c.Context()
			name := args[0]
			refs, err := d.store.FindSoleLensDocs(ctx, name)
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				docIDs := make([]string, len(refs))
				storeIDs := make([]int64, len(refs))
				for i, ref := range refs {
					docIDs[i] = ref.DocID
					storeIDs[i] = ref.ID
				}
				if err := d.idx.DeleteBatch(docIDs); err != nil {
					return err
				}
				if err := d.store.DeleteManyByID(ctx, storeIDs); err != nil {
					return err
				}
			}
			if err := d.store.DeleteLens(ctx, name); err != nil {
				return err
			}
			if err := config.DeleteLensFile(d.layout.LensesDir(), name); err != nil {
				return err
			}
			fmt.Printf("uninstalled lens %s, purged %d documents\n", name, len(refs))
			return nil
		},
	})
	return cmd
}
