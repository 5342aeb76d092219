// autoortho mounts a flight-simulator scenery directory as a FUSE
// filesystem that renders on-demand orthoimagery tiles, coordinated by
// the Read-Path Policy against live flight telemetry.
//
// Usage:
//
//	autoortho <scenery-root> <mountpoint>
//	autoortho --verbose --cache-dir /var/cache/autoortho <scenery-root> <mountpoint>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/SFAntti/autoortho/internal/config"
	"github.com/SFAntti/autoortho/internal/diag"
	"github.com/SFAntti/autoortho/internal/dsf"
	"github.com/SFAntti/autoortho/internal/flight"
	"github.com/SFAntti/autoortho/internal/mount"
	"github.com/SFAntti/autoortho/internal/renderer"
	"github.com/SFAntti/autoortho/internal/tilecache"
)

var (
	envFile    string
	cacheDir   string
	diagAddr   string
	udpAddr    string
	workers    int
	targetZoom int
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoortho <scenery-root> <mountpoint>",
		Short: "Mount an on-demand orthoimagery filesystem over flight-sim scenery",
		Args:  cobra.ExactArgs(2),
		RunE:  runMount,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file to load before reading environment config")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Tile cache directory (defaults to AUTOORTHO_CACHE_DIR or ./cache)")
	rootCmd.PersistentFlags().StringVar(&diagAddr, "diag-addr", "", "Diagnostics server bind address (defaults to AUTOORTHO_DIAG_ADDR or 127.0.0.1:9061)")
	rootCmd.PersistentFlags().StringVar(&udpAddr, "udp-addr", "", "Flight telemetry UDP source address, e.g. 127.0.0.1:49000 (disabled if empty)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Renderer worker pool size (defaults to AUTOORTHO_WORKERS or 4)")
	rootCmd.PersistentFlags().IntVar(&targetZoom, "target-zoom", 0, "Target zoom stored in the resolved config; the tile cache does not read it and starts its adaptive target zoom at 16")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("autoortho exited with error", "err", err)
		os.Exit(1)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	sourceRoot, mountpoint := args[0], args[1]
	log := slog.Default()

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	pool := renderer.NewPool(cfg.WorkerCount, renderer.PlaceholderSource{}, log)
	defer pool.Shutdown()

	cache, err := tilecache.New(cfg.CacheDir, pool, log)
	if err != nil {
		return fmt.Errorf("init tile cache: %w", err)
	}

	parser := dsf.NewParser(cache, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var follower *flight.Follower
	if udpAddr != "" {
		conn, err := net.Dial("udp", udpAddr)
		if err != nil {
			log.Warn("flight telemetry disabled: dial failed", "addr", udpAddr, "err", err)
		} else {
			follower = flight.NewFollower(conn, flight.XPlaneDecoder{}, log)
			go func() {
				if err := follower.Run(ctx); err != nil {
					log.Warn("flight follower stopped", "err", err)
				}
			}()
		}
	}

	adapter := mount.NewAdapter(cache, parser, follower, log)
	root, err := adapter.NewRoot(sourceRoot)
	if err != nil {
		return fmt.Errorf("build mount root: %w", err)
	}

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{FsName: "autoortho", Name: "autoortho"},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}

	var diagSrv *diag.Server
	if cfg.DiagAddr != "" {
		// A nil *flight.Follower must not be handed to diag.New directly:
		// wrapped in the FlightStater interface it would be a non-nil
		// interface holding a nil pointer, and Connected() would panic.
		var flightStater diag.FlightStater
		if follower != nil {
			flightStater = follower
		}
		diagSrv = diag.New(cfg.DiagAddr, cfg.CacheDir, cache.Active(), flightStater, log)
		go func() {
			if err := diagSrv.ListenAndServe(); err != nil {
				log.Warn("diagnostics server stopped", "err", err)
			}
		}()
	}

	log.Info("autoortho mounted", "root", sourceRoot, "mountpoint", mountpoint, "cache_dir", cfg.CacheDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	if diagSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		diagSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err := server.Unmount(); err != nil {
		log.Warn("unmount failed", "err", err)
	}
	server.Wait()
	log.Info("autoortho exited")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if diagAddr != "" {
		cfg.DiagAddr = diagAddr
	}
	if workers != 0 {
		cfg.WorkerCount = workers
	}
	if targetZoom != 0 {
		cfg.TargetZoom = targetZoom
	}
	if verbose {
		cfg.Verbose = true
	}
}
