// Command mediarchiverd is the media transcoding coordinator daemon: it
// discovers media under configured watch roots, records them in the
// catalog, and dispatches encode jobs to remote workers over the RPC
// protocol in internal/rpcproto. See MediaArchiverDaemon.cpp's main() for
// the CLI surface and shutdown sequence this ports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/config"
	"mediarchiver/internal/coordinator"
	"mediarchiver/internal/fswatch"
	"mediarchiver/internal/logging"
	"mediarchiver/internal/rpcserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		foreground = flag.Bool("n", false, "run in the foreground (no self-daemonization)")
		verbosity  = flag.Int("v", -1, "verbosity level, overrides the config file's")
		configPath = flag.String("c", "MediaArchiver.cfg", "path to the configuration file")
		logPath    = flag.String("l", "", "log file path, overrides the config file's; empty means stderr")
	)
	flag.Parse()
	_ = foreground // Go daemons rely on the supervisor/systemd, not self-fork; see DESIGN.md

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediarchiverd: config: %v\n", err)
		return 1
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}
	if *logPath != "" {
		cfg.LogFile = *logPath
	}

	logger := logging.New(cfg.LogFile, cfg.Verbosity)
	logger.Printf("mediarchiverd starting (port=%d db=%s)", cfg.ServerPort, cfg.DBPath)

	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		logger.Printf("catalog open: %v", err)
		return 1
	}
	defer cat.Close()

	if err := cat.Init(context.Background(), true); err != nil {
		logger.Printf("catalog init: %v", err)
		return 1
	}

	folders, err := parseFolders(cfg.FoldersToWatch)
	if err != nil {
		logger.Printf("config: %v", err)
		return 1
	}
	if len(folders) == 0 {
		logger.Printf("config: no folders_to_watch configured")
		return 1
	}

	coord := coordinator.New(coordinator.Config{
		ChunkSize:            cfg.ChunkSize,
		VCodec:               cfg.VCodec,
		ACodec:               cfg.ACodec,
		CRF:                  cfg.CRF,
		ABitRate:             cfg.ABitRate,
		TempFolder:           cfg.TempFolder,
		FinalExtension:       cfg.FinalExtension,
		ResultFileSuffix:     cfg.ResultFileSuffix,
		FilenameMatchPattern: cfg.FilenameMatchPattern,
	}, cat, logger.Logger)

	watcher, err := fswatch.New(folders, coord, fswatch.DefaultMoveTimeout, logger.Logger)
	if err != nil {
		logger.Printf("fswatch: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- watcher.Start(ctx) }()

	finalizerDone := make(chan struct{})
	go func() {
		coord.RunFinalizer(ctx)
		close(finalizerDone)
	}()

	srv := rpcserver.New(coord, logger.Logger)
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, addr) }()
	logger.Printf("listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGABRT)

	// Two-stage SIGINT/SIGABRT shutdown (spec §6.6): the first SIGINT just
	// sets stopRequested so the finalizer drains naturally; a second SIGINT,
	// or any SIGABRT, forces immediate abandonment of in-flight sessions.
	select {
	case sig := <-sigCh:
		forced := sig == syscall.SIGABRT
		if forced {
			logger.Printf("received %s, aborting", sig)
		} else {
			logger.Printf("received %s, draining in-flight sessions", sig)
		}
		coord.Stop(forced)
		if !forced {
			select {
			case sig2 := <-sigCh:
				logger.Printf("received %s, forcing shutdown", sig2)
				coord.Stop(true)
			case <-finalizerDone:
			}
		}
	case err := <-serveErr:
		if err != nil {
			logger.Printf("rpcserver: %v", err)
		}
		coord.Stop(true)
	}

	<-finalizerDone
	cancel()
	srv.Wait()
	<-watcherDone

	logger.Printf("mediarchiverd exiting")
	return 0
}

// parseFolders splits the OS-specific path-separator-delimited
// folders_to_watch value into literal DirSpecs.
func parseFolders(raw string) ([]fswatch.DirSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	sep := string(os.PathListSeparator)
	var specs []fswatch.DirSpec
	for _, p := range strings.Split(raw, sep) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("folder %q: %w", p, err)
		}
		specs = append(specs, fswatch.DirSpec{Root: abs})
	}
	return specs, nil
}
