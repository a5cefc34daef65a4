/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_display/internal/agent"
	"github.com/friendsincode/grimnir_display/internal/config"
	"github.com/friendsincode/grimnir_display/internal/control"
	"github.com/friendsincode/grimnir_display/internal/events"
	"github.com/friendsincode/grimnir_display/internal/logging"
	"github.com/friendsincode/grimnir_display/internal/media"
	"github.com/friendsincode/grimnir_display/internal/mode"
	"github.com/friendsincode/grimnir_display/internal/player"
	"github.com/friendsincode/grimnir_display/internal/playlist"
	"github.com/friendsincode/grimnir_display/internal/power"
	"github.com/friendsincode/grimnir_display/internal/reconcile"
	"github.com/friendsincode/grimnir_display/internal/schedule"
	"github.com/friendsincode/grimnir_display/internal/state"
	"github.com/friendsincode/grimnir_display/internal/status"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
	"github.com/friendsincode/grimnir_display/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "grimnirdisplay",
	Short: "Grimnir Display - Device resident signage agent",
	Long:  "Grimnir Display runs on a signage device, plays the active playlist through mpv, and takes commands over MQTT.",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the signage agent",
	Long:  "Connect to the broker, start the playback loop, and serve commands until terminated",
	RunE:  runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	for _, warning := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warning)
	}
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Str("device_id", cfg.DeviceID).Msg("Grimnir Display starting")

	release, err := acquireLock(cfg.DeviceID)
	if err != nil {
		return err
	}
	defer release()

	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	telemetry.InitMetrics()
	go telemetry.ServeMetrics(cfg.MetricsBind, logger)

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "grimnir-display",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	persist, err := state.Open(cfg.StateDir)
	if err != nil {
		// Playback works without persistence, it just forgets its position.
		logger.Warn().Err(err).Str("dir", cfg.StateDir).Msg("state database unavailable")
		persist = nil
	} else {
		defer persist.Close()
	}

	store := playlist.NewStore()
	bus := events.NewBus()
	catalog := media.NewCatalog(cfg.VideoDir(), cfg.ImageDir(), cfg.CacheDir)

	resolver := player.NewResolver(cfg.YTDLPBin, logger)
	backend := player.NewMPV(player.Options{
		Bin:         cfg.PlayerBin,
		HWDec:       cfg.PlayerHWDec,
		VO:          cfg.PlayerVO,
		GPUContext:  cfg.PlayerGPUContext,
		ExtraOpts:   cfg.PlayerExtraOpts,
		YTDLFormat:  cfg.YTDLFormat,
		StopTimeout: cfg.PlayerStopTimeout,
	}, resolver, logger)

	reconciler := reconcile.New(store, catalog, reconcile.NewHTTPFetcher(), persist, reconcile.Paths{
		StagingDir:         cfg.StagingDir(),
		CacheDir:           cfg.CacheDir,
		RemotePlaylistPath: cfg.RemotePlaylistPath,
		LocalPlaylistPath:  cfg.PlaylistPath,
	}, reconcile.Options{
		PersistRemote:  cfg.PersistRemotePlaylist,
		OverwriteLocal: cfg.OverwriteLocalPlaylist,
	}, logger)

	// The collaborators below call back into the agent, which is built
	// last; the closures capture the variable, not the value.
	var ag *agent.Agent

	supervisor := agent.NewSupervisor(store, catalog, backend, persist, bus,
		func(seq uint64, res player.Result) { ag.EnqueueSessionDone(seq, res) },
		func(d time.Duration) { ag.EnqueueKick(d) },
		logger)

	sched := schedule.NewService(func(active bool) { ag.EnqueueScheduleEdge(active) }, logger)

	modes := mode.NewController(func() { ag.EnqueueOnline() }, nil, logger)

	client := control.NewClient(cfg, status.OfflinePayload(cfg.DeviceID),
		func(topic string, payload []byte) { ag.EnqueueCommand(topic, payload) },
		func() { modes.SetOnline() },
		func(err error) { modes.SetOffline() },
		logger)

	reporter := status.NewReporter(client, status.Topics{
		Status:     cfg.StatusTopic(),
		NowPlaying: cfg.NowPlayingTopic(),
	}, cfg.DeviceID, cfg.HeartbeatInterval, bus, func() { ag.EnqueueStatusRequest() }, logger)

	ag = agent.New(cfg, agent.Deps{
		Store:      store,
		Supervisor: supervisor,
		Reconciler: reconciler,
		Schedule:   sched,
		Modes:      modes,
		Reporter:   reporter,
		PowerCtl:   power.NewController(cfg.PowerCECOnly, logger),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("control client stopped")
		}
	}()
	go sched.Run(ctx)
	go reporter.Run(ctx)

	err = ag.Run(ctx)

	logger.Info().Msg("Grimnir Display stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acquireLock takes a per-device pid file so two agents never fight over
// the display. A lock left by a dead process is reclaimed.
func acquireLock(deviceID string) (func(), error) {
	path := filepath.Join(os.TempDir(), "grimnir-display-"+deviceID+".lock")

	if raw, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("another agent instance is running (pid %d, lock %s)", pid, path)
		}
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() { _ = os.Remove(path) }, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
