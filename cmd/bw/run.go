package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/beadwork/internal/applier"
	"github.com/marcus/beadwork/internal/cache"
	"github.com/marcus/beadwork/internal/config"
	"github.com/marcus/beadwork/internal/flush"
	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/store"
	"github.com/marcus/beadwork/internal/syncer"
	"github.com/marcus/beadwork/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host the cache, queue, and flush coordinator for a project",
	Long: `Run starts the persistence core for one project: mutations made
through the cache API are applied in memory immediately, buffered in
the write queue, and flushed to the store after the debounce window,
with the external sync command invoked around each flush cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath(cmd)
		if err != nil {
			return err
		}
		opts, err := config.Load()
		if err != nil {
			return err
		}
		return runHost(cmd.Context(), project, opts)
	},
}

func runHost(ctx context.Context, project string, opts config.Options) error {
	logDir := filepath.Join(project, ".beadwork")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logF, logf := setupLogger(filepath.Join(logDir, "bw.log"))
	defer func() { _ = logF.Close() }()

	q := queue.New(opts.DebounceInterval, opts.HistoryLimit)
	c := cache.New(q, "bw", opts.StorePath, opts.BusyTimeout)
	a := applier.New("bw-host")
	runner := syncer.NewCommandRunner(opts.SyncCommand)
	coordinator := flush.New(q, c, a, runner, opts, logf)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.Refresh(ctx, project); err != nil {
		logf("initial refresh failed: %v", err)
	}

	// Watch the store file so out-of-band sync runs show up in the
	// cache without waiting for the next flush cycle.
	dbPath := store.PathFor(project, opts.StorePath)
	if store.Exists(dbPath) {
		w, err := watcher.New(dbPath, opts.DebounceInterval, func() {
			logf("store file changed externally, refreshing cache")
			if err := c.Refresh(ctx, project); err != nil {
				logf("watcher refresh failed: %v", err)
			}
		})
		if err != nil {
			logf("store watcher unavailable: %v", err)
		} else {
			w.Start(ctx)
			defer func() { _ = w.Close() }()
		}
	}

	// Mirror queue events into the log for "saving…"/"saved" style
	// observability.
	go func() {
		for {
			select {
			case ev := <-q.Events():
				switch ev.Kind {
				case queue.EventItemEnqueued:
					logf("enqueued %s %s", ev.Item.Op, ev.Item.IssueID)
				case queue.EventDebounceCompleted:
					logf("debounce elapsed for %s", ev.ProjectPath)
				case queue.EventProcessingCompleted:
					logf("flush completed for %s (success=%v)", ev.ProjectPath, ev.Success)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go coordinator.Run(ctx)
	logf("bw host started for %s (debounce=%s, workers=%d)", project, opts.DebounceInterval, opts.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logf("received signal %v, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	q.Shutdown()
	return nil
}
