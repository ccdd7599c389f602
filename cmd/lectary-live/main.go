// Command lectary-live runs an interactive realtime voice session against a
// configured provider, streaming the microphone up and playing remote audio
// back gaplessly. Transcripts are printed as turns complete.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lectary/live/internal/config"
	"github.com/lectary/live/internal/health"
	"github.com/lectary/live/internal/live"
	"github.com/lectary/live/internal/observe"
	"github.com/lectary/live/pkg/audio/capture"
	"github.com/lectary/live/pkg/liveapi"
	"github.com/lectary/live/pkg/liveapi/gemini"
	"github.com/lectary/live/pkg/liveapi/openai"
	"github.com/lectary/live/pkg/video"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	contextPath := flag.String("context", "", "path to a text file injected as document context at session start")
	voice := flag.String("voice", "", "override the configured voice")
	listVoices := flag.Bool("list-voices", false, "print the provider's voice catalogue and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectary-live: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectary-live: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lectary-live starting",
		"config", *configPath,
		"provider", cfg.Provider,
		"log_level", cfg.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.Create(cfg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	if *listVoices {
		printVoices(provider.Capabilities())
		return 0
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitTelemetry("lectary-live", "")
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Build the session ─────────────────────────────────────────────────────
	sessionEnded := make(chan struct{})
	var endOnce sync.Once
	endSession := func() { endOnce.Do(func() { close(sessionEnded) }) }

	opts := []live.Option{
		live.WithVoice(pickVoice(cfg, *voice)),
		live.WithInstructions(cfg.Session.Instructions),
		live.WithConnectTimeout(cfg.Session.ConnectTimeout),
		live.WithCallbacks(live.Callbacks{
			OnConnect: func(id string) {
				slog.Info("connected — start talking", "session_id", id)
			},
			OnDisconnect: func(string) { endSession() },
			OnError: func(err error) {
				slog.Error("session error", "err", err)
				endSession()
			},
			OnTurn: printTurn,
		}),
	}
	if docCtx, err := loadContext(*contextPath); err != nil {
		slog.Error("failed to load context file", "err", err)
		return 1
	} else if docCtx != "" {
		opts = append(opts, live.WithContext(docCtx))
	}
	if captureOpts := captureOptions(cfg); len(captureOpts) > 0 {
		opts = append(opts, live.WithCaptureOptions(captureOpts...))
	}
	if src, samplerOpts, err := videoSource(cfg); err != nil {
		slog.Error("failed to open video source", "err", err)
		return 1
	} else if src != nil {
		opts = append(opts, live.WithVideoSource(src, samplerOpts...))
	}

	sess := live.New(provider, opts...)

	// ── Ops endpoint (metrics + health) ───────────────────────────────────────
	var opsServer *http.Server
	if cfg.Metrics.ListenAddr != "" {
		opsServer = newOpsServer(cfg.Metrics.ListenAddr, sess)
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server error", "err", err)
			}
		}()
		slog.Info("metrics endpoint up", "addr", cfg.Metrics.ListenAddr)
	}

	printStartupSummary(cfg, provider.Capabilities())

	// ── Run ───────────────────────────────────────────────────────────────────
	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("session running — press Ctrl+C to end")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case <-sessionEnded:
	}

	if err := sess.Stop(); err != nil {
		slog.Warn("teardown error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
	}

	printTranscript(sess)
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// lectary-live into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register(config.ProviderGemini, func(entry config.ProviderEntry) (liveapi.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.Register(config.ProviderOpenAI, func(entry config.ProviderEntry) (liveapi.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// pickVoice applies the -voice override on top of the configured voice.
func pickVoice(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.Session.Voice
}

// loadContext reads the document context file, if one was given.
func loadContext(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// captureOptions translates audio config into capture pipeline options.
func captureOptions(cfg *config.Config) []capture.Option {
	var opts []capture.Option
	if cfg.Audio.CaptureBuffer > 0 {
		opts = append(opts, capture.WithBuffer(cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.LevelSmoothing > 0 {
		opts = append(opts, capture.WithSmoothing(cfg.Audio.LevelSmoothing))
	}
	return opts
}

// videoSource builds the configured frame source, or nil when video is off.
func videoSource(cfg *config.Config) (video.Source, []video.SamplerOption, error) {
	if !cfg.Video.Enabled {
		return nil, nil, nil
	}
	if cfg.Video.FramesDir == "" {
		slog.Warn("video.enabled is set but video.frames_dir is empty; video disabled")
		return nil, nil, nil
	}
	src, err := video.NewFileSource(cfg.Video.FramesDir)
	if err != nil {
		return nil, nil, err
	}
	var opts []video.SamplerOption
	if cfg.Video.Interval > 0 {
		opts = append(opts, video.WithInterval(cfg.Video.Interval))
	}
	return src, opts, nil
}

// newOpsServer serves /metrics, /healthz and /readyz.
func newOpsServer(addr string, sess *live.Session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h := health.New(health.SessionCheck(func() string { return string(sess.State()) }))
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func printTurn(entries []live.Entry) {
	for _, e := range entries {
		fmt.Printf("[%s] %s: %s\n", e.At.Format("15:04:05"), e.Speaker, e.Text)
	}
}

func printTranscript(sess *live.Session) {
	history := sess.Transcript().History()
	if len(history) == 0 {
		return
	}
	fmt.Println("── session transcript ──")
	for _, e := range history {
		fmt.Printf("[%s] %s: %s\n", e.At.Format("15:04:05"), e.Speaker, e.Text)
	}
}

func printVoices(caps liveapi.Capabilities) {
	if len(caps.Voices) == 0 {
		fmt.Println("no voices reported")
		return
	}
	fmt.Printf("%-12s %-12s %s\n", "ID", "NAME", "PROVIDER")
	for _, v := range caps.Voices {
		fmt.Printf("%-12s %-12s %s\n", v.ID, v.Name, v.Provider)
	}
}

func printStartupSummary(cfg *config.Config, caps liveapi.Capabilities) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       lectary-live — session setup    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Provider", string(cfg.Provider))
	printField("Model", cfg.Entry().Model)
	printField("Voice", cfg.Session.Voice)
	printField("Video", videoSummary(cfg, caps))
	printField("Metrics", cfg.Metrics.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func videoSummary(cfg *config.Config, caps liveapi.Capabilities) string {
	switch {
	case !cfg.Video.Enabled:
		return "(disabled)"
	case !caps.SupportsVideo:
		return "unsupported by provider"
	default:
		return "enabled"
	}
}

func printField(name, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
