// Command swapflowd runs the swap execution daemon: the HTTP API, the
// auto-sell worker, and the token catalogue sync.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swapflow/aggregator"
	"swapflow/autosell"
	"swapflow/catalogue"
	"swapflow/chain"
	"swapflow/config"
	"swapflow/erc20"
	"swapflow/jobs"
	"swapflow/observability"
	"swapflow/observability/logging"
	"swapflow/server"
	"swapflow/storage"
	"swapflow/swap"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the configuration file")
		env        = flag.String("env", "", "deployment environment label")
	)
	flag.Parse()

	logger := logging.Setup("swapflowd", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		logger.Error("build database dsn", "error", err)
		os.Exit(1)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		logger.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queue, err := jobs.Open(cfg.JobsPath,
		jobs.WithBackoff(cfg.AutoSell.BackoffSeed.Duration, cfg.AutoSell.BackoffCap.Duration),
		jobs.WithLogger(logger))
	if err != nil {
		logger.Error("open job store", "path", cfg.JobsPath, "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	endpoints := make(map[uint64]string, len(cfg.Chains))
	for _, c := range cfg.Chains {
		endpoints[c.ChainID] = c.RPCURL
	}
	rpc := chain.NewClient(endpoints)
	wallet := chain.NewNodeSigner(rpc)
	poller := chain.NewPoller(rpc)

	agg := aggregator.NewClient(cfg.Aggregator.BaseURL,
		aggregator.WithClientID(cfg.Aggregator.ClientID),
		aggregator.WithHTTPClient(&http.Client{Timeout: cfg.Aggregator.Timeout.Duration}))

	scheduler := autosell.NewScheduler(queue, store, autosell.WithSchedulerLogger(logger))

	orchestrator, err := swap.New(swap.Deps{
		Routes:     agg,
		Allowances: erc20.NewManager(rpc, wallet),
		Permits:    erc20.NewPermitSigner(rpc, wallet),
		Simulator:  chain.NewSimulator(rpc),
		Wallet:     wallet,
		Receipts:   poller,
		Ledger:     store,
		Scheduler:  scheduler,
	},
		swap.WithDefaultSlippage(cfg.Swap.DefaultSlippageBps),
		swap.WithReceiptWait(cfg.Swap.ReceiptMaxWait.Duration),
		swap.WithSimulation(*cfg.Swap.Simulate),
		swap.WithLogger(logger),
	)
	if err != nil {
		logger.Error("build orchestrator", "error", err)
		os.Exit(1)
	}

	worker := autosell.NewWorker(store, orchestrator, poller, autosell.WithWorkerLogger(logger))
	worker.Register(queue)

	syncer := catalogue.NewSyncer(agg, store,
		catalogue.WithPageSize(cfg.Catalogue.PageSize),
		catalogue.WithBatchPages(cfg.Catalogue.BatchPages),
		catalogue.WithPageDelay(cfg.Catalogue.PageDelay.Duration),
		catalogue.WithPageAttempts(cfg.Catalogue.PageAttempts),
		catalogue.WithFreshness(cfg.Catalogue.FreshnessTTL.Duration),
		catalogue.WithSyncerLogger(logger))

	// Purchases whose jobs were lost, and jobs that matured while the
	// daemon was down, are picked up before traffic arrives.
	if restored, err := scheduler.Resync(ctx); err != nil {
		logger.Error("auto-sell resync", "error", err)
	} else {
		logger.Info("auto-sell resync complete", "restored", restored)
	}
	if err := queue.DispatchDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("initial job dispatch", "error", err)
	}

	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job queue stopped", "error", err)
		}
	}()
	go reportPending(ctx, queue)

	chainIDs := make([]uint64, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chainIDs = append(chainIDs, c.ChainID)
	}
	go func() {
		if err := syncer.Prefetch(ctx, chainIDs...); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("startup catalogue prefetch", "error", err)
		}
	}()
	go runCatalogueSync(ctx, syncer, chainIDs, cfg.Catalogue.SyncInterval.Duration, logger)

	api := server.New(server.Deps{
		Swaps:      orchestrator,
		Quotes:     agg,
		Ledger:     store,
		Lifecycle:  scheduler,
		Tokens:     store,
		Prefetcher: syncer,
		Chains:     cfg.Chains,
	},
		server.WithAutoSellDelay(cfg.AutoSell.Delay.Duration),
		server.WithLogger(logger))

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("swapflowd listening", "address", cfg.ListenAddress, "chains", len(cfg.Chains))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	logger.Info("swapflowd stopped")
}

// runCatalogueSync drives the checkpointed batch sync: one resumable batch
// per chain per tick, so a large listing drains without ever holding the
// request path.
func runCatalogueSync(ctx context.Context, syncer *catalogue.Syncer, chains []uint64, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, chainID := range chains {
				if _, err := syncer.SyncBatch(ctx, chainID); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("catalogue sync batch", "chainId", chainID, "error", err)
				}
			}
		}
	}
}

// reportPending keeps the queue depth gauge current.
func reportPending(ctx context.Context, queue *jobs.Queue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pending, err := queue.Pending(); err == nil {
				observability.AutoSell().SetPending(pending)
			}
		}
	}
}
