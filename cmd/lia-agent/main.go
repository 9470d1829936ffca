// Command lia-agent runs the LIA voice sales agent: it captures microphone
// audio, streams it to a realtime speech model, plays the model's replies,
// and archives the finished conversation.
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Moasy1/LIA-Sales-Agent/internal/archive"
	"github.com/Moasy1/LIA-Sales-Agent/internal/capture"
	"github.com/Moasy1/LIA-Sales-Agent/internal/config"
	"github.com/Moasy1/LIA-Sales-Agent/internal/device"
	"github.com/Moasy1/LIA-Sales-Agent/internal/health"
	"github.com/Moasy1/LIA-Sales-Agent/internal/observe"
	"github.com/Moasy1/LIA-Sales-Agent/internal/playback"
	"github.com/Moasy1/LIA-Sales-Agent/internal/resilience"
	"github.com/Moasy1/LIA-Sales-Agent/internal/session"
	"github.com/Moasy1/LIA-Sales-Agent/internal/tooling"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime/gemini"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime/openai"
)

// apiKeyEnv overrides the configured provider API key when set, so the key
// can stay out of the config file.
const apiKeyEnv = "LIA_API_KEY"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lia-agent: config file %q not found, copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lia-agent: %v\n", err)
		}
		return 1
	}
	if key := os.Getenv(apiKeyEnv); key != "" {
		cfg.Provider.APIKey = key
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("lia-agent starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lia-agent",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider dialer ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDialers(reg)

	rawDialer, err := reg.CreateDialer(cfg.Provider)
	if err != nil {
		slog.Error("failed to create provider dialer", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	// The breaker keeps reconnect attempts from hammering a dead endpoint.
	dialer := resilience.NewFallbackDialer(cfg.Provider.Name, rawDialer, resilience.FallbackConfig{})
	slog.Info("provider ready", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	// ── Archiver ──────────────────────────────────────────────────────────────
	var (
		archiver archive.Archiver = archive.LogArchiver{}
		checkers []health.Checker
	)
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := archive.NewPostgres(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect archive database", "err", err)
			return 1
		}
		defer pg.Close()
		archiver = pg
		checkers = append(checkers, health.Checker{Name: "archive", Check: pg.Ping})
		slog.Info("archive database connected")
	} else {
		slog.Warn("no archive database configured; sessions will be logged and discarded")
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if err := device.Init(); err != nil {
		slog.Error("failed to initialise audio subsystem", "err", err)
		return 1
	}
	defer device.Terminate()

	// ── Session controller ────────────────────────────────────────────────────
	controller := session.NewController(session.Config{
		Dialer: dialer,
		NewMicrophone: func() (capture.Microphone, error) {
			return device.OpenMicrophone(cfg.Audio.InputSampleRateOrDefault(), cfg.Audio.FramesPerBufferOrDefault())
		},
		NewSpeaker: func() (playback.Speaker, error) {
			return device.OpenSpeaker(cfg.Audio.OutputSampleRateOrDefault(), cfg.Audio.FramesPerBufferOrDefault())
		},
		Archiver:          archiver,
		Hooks:             tooling.Hooks{OnCall: logCall, OnLead: logLead},
		Instructions:      cfg.BuildInstructions(),
		Voice:             cfg.Agent.Voice,
		ProviderName:      cfg.Provider.Name,
		TranscriptTerms:   cfg.Agent.Terms,
		SpeakingThreshold: cfg.Agent.SpeakingThreshold,
	})

	// ── Operational HTTP surface ──────────────────────────────────────────────
	var httpServer *http.Server
	if addr := cfg.Server.ListenAddr; addr != "" {
		httpServer = newOpsServer(addr, controller, checkers)
		go func() {
			slog.Info("ops server listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server error", "err", err)
			}
		}()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	if err := controller.Connect(ctx); err != nil {
		slog.Error("failed to open session", "err", err)
		return 1
	}

	slog.Info("session open, press Ctrl+C to hang up")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	controller.Stop()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinDialers wires the realtime providers that ship with the
// agent into reg.
func registerBuiltinDialers(reg *config.Registry) {
	reg.RegisterDialer("gemini-live", func(entry config.ProviderConfig) (realtime.Dialer, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterDialer("openai-realtime", func(entry config.ProviderConfig) (realtime.Dialer, error) {
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

// ── Tool hooks ────────────────────────────────────────────────────────────────

func logCall(req tooling.CallRequest) {
	slog.Info("outbound call requested", "phone", req.PhoneNumber, "reason", req.Reason)
}

func logLead(lead tooling.Lead) {
	slog.Info("lead captured", "name", lead.Name, "phone", lead.Phone)
}

// ── Operational HTTP surface ──────────────────────────────────────────────────

// newOpsServer builds the HTTP server exposing /metrics, /healthz, /readyz
// and /statusz, instrumented with the observe middleware.
func newOpsServer(addr string, controller *session.Controller, checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).
		WithStatus(func() health.Status {
			return health.Status{
				State:             controller.State().String(),
				UserSpeaking:      controller.UserSpeaking(),
				ModelSpeaking:     controller.ModelSpeaking(),
				TranscriptEntries: len(controller.Transcript()),
				Actions:           len(controller.Actions()),
			}
		}).
		Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        LIA agent — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name+dash(cfg.Provider.Model))
	printRow("Agent", cfg.Agent.Name)
	printRow("Voice", cfg.Agent.Voice)
	printRow("Mic rate", fmt.Sprintf("%d Hz", cfg.Audio.InputSampleRateOrDefault()))
	printRow("Speaker rate", fmt.Sprintf("%d Hz", cfg.Audio.OutputSampleRateOrDefault()))
	printRow("Knowledge", fmt.Sprintf("%d topics", len(cfg.Knowledge)))
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "(log only)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func dash(model string) string {
	if model == "" {
		return ""
	}
	return " / " + model
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
