package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/delphis/internal/config"
	"github.com/zsiec/delphis/internal/controller"
	"github.com/zsiec/delphis/internal/event"
	"github.com/zsiec/delphis/internal/ingest"
	"github.com/zsiec/delphis/internal/motion"
	"github.com/zsiec/delphis/internal/vision"
	"github.com/zsiec/delphis/internal/workspace"
)

var version = "dev"

func main() {
	configPath := pflag.String("config", "config.json", "path to the JSON configuration document")
	workspaceDir := pflag.String("workspace", "", "workspace root (overrides the config)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides the config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(cfg, *workspaceDir, *logLevel)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(log)

	log.Info("delphis starting",
		"version", version,
		"detect_mode", cfg.Server.DetectMode,
		"workspace", cfg.Server.Workspace,
		"channels", len(cfg.Videos),
	)

	if err := run(cfg, log); err != nil {
		log.Error("delphis failed", "error", err)
		os.Exit(1)
	}
	log.Info("delphis stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// The DNN nets serialize their forward passes, so one instance serves
	// every channel.
	var (
		classifier vision.Classifier
		detector   vision.Detector
		err        error
	)
	switch cfg.Server.DetectMode {
	case config.ModeClassify:
		if classifier, err = newClassifier(); err != nil {
			return err
		}
	case config.ModeSSD:
		if detector, err = newDetector(); err != nil {
			return err
		}
	}

	var messages *event.FileSink
	if cfg.Server.MessageLog != "" {
		if messages, err = event.NewFileSink(cfg.Server.MessageLog); err != nil {
			return err
		}
		defer messages.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	started := 0
	for _, v := range cfg.Videos {
		if !v.Enabled() {
			log.Info("channel disabled, skipping", "channel", v.Index, "name", v.Name)
			continue
		}

		ws, err := workspace.Open(cfg.Server.Workspace, v.Index)
		if err != nil {
			return err
		}
		src, err := ingest.New(v, log)
		if err != nil {
			return err
		}

		deps := controller.Deps{
			Motion:     motion.NewStage(v.Alg),
			Classifier: classifier,
			SSD:        detector,
			Workspace:  ws,
			Log:        log,
		}
		if messages != nil {
			deps.Sink = sharedSink{messages}
		}
		ctrl, err := controller.New(v, cfg.Server.DetectMode, cfg.Server.TargetClass, deps)
		if err != nil {
			return err
		}

		g.Go(func() error {
			defer close(ctrl.In())
			return src.Run(ctx, ctrl.In())
		})
		g.Go(func() error {
			return ctrl.Run(ctx)
		})
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channels enabled in the configuration")
	}

	log.Info("channels running", "count", started)
	return g.Wait()
}

// sharedSink lets every channel's emitter write to the one message log. The
// emitters each close their sink on drain; the log itself stays open until
// the process exits.
type sharedSink struct {
	inner event.Sink
}

func (s sharedSink) Send(ctx context.Context, msg event.Message) error {
	return s.inner.Send(ctx, msg)
}

func (s sharedSink) Close() error { return nil }

// applyOverrides layers environment and flag overrides onto the loaded
// config: flags win over the environment, the environment wins over the
// document. DELPHIS_DEBUG forces debug logging unless a flag says otherwise.
func applyOverrides(cfg *config.Config, flagWorkspace, flagLogLevel string) {
	if ws := envOr("DELPHIS_WORKSPACE", ""); ws != "" {
		cfg.Server.Workspace = ws
	}
	if lvl := envOr("DELPHIS_LOG_LEVEL", ""); lvl != "" {
		cfg.Server.LogLevel = lvl
	}
	if os.Getenv("DELPHIS_DEBUG") != "" {
		cfg.Server.LogLevel = "debug"
	}
	if flagWorkspace != "" {
		cfg.Server.Workspace = flagWorkspace
	}
	if flagLogLevel != "" {
		cfg.Server.LogLevel = flagLogLevel
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
