package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/observability"
	"github.com/lokutor-ai/lokutor-live/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
	"github.com/lokutor-ai/lokutor-live/pkg/tools"
	"github.com/lokutor-ai/lokutor-live/pkg/transport"
	"github.com/spf13/cobra"
)

type options struct {
	url          string
	apiKey       string
	voice        string
	systemPrompt string
	timezone     string
	textOnly     bool
	echoGate     bool
	metricsAddr  string
	record       string
	logLevel     string
	logFormat    string
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	defaults := orchestrator.DefaultConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "Talk to a live multimodal model over a duplex stream",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", envOr("LOKUTOR_LIVE_URL", ""), "duplex stream endpoint (ws:// or wss://)")
	f.StringVar(&opts.apiKey, "api-key", envOr("LOKUTOR_LIVE_API_KEY", ""), "API key sent as a bearer token")
	f.StringVar(&opts.voice, "voice", envOr("LOKUTOR_LIVE_VOICE", defaults.VoiceID), "output voice id")
	f.StringVar(&opts.systemPrompt, "system-prompt", envOr("LOKUTOR_LIVE_SYSTEM_PROMPT", defaults.SystemPrompt), "system prompt")
	f.StringVar(&opts.timezone, "timezone", envOr("LOKUTOR_LIVE_TIMEZONE", "Local"), "time zone reported by the date tool")
	f.BoolVar(&opts.textOnly, "text", false, "text only: read lines from stdin, no audio devices")
	f.BoolVar(&opts.echoGate, "echo-gate", true, "mute microphone audio that is likely speaker echo")
	f.StringVar(&opts.metricsAddr, "metrics-addr", envOr("LOKUTOR_LIVE_METRICS_ADDR", ""), "serve /metrics and /healthz on this address")
	f.StringVar(&opts.record, "record", "", "save the assistant's audio to this WAV file")
	f.StringVar(&opts.logLevel, "log-level", envOr("LOKUTOR_LIVE_LOG_LEVEL", "info"), "debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", envOr("LOKUTOR_LIVE_LOG_FORMAT", "text"), "text or json")

	cmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listDevices(cmd.OutOrStdout())
		},
	})
	return cmd
}

func run(parent context.Context, stdin io.Reader, stdout io.Writer, opts *options) error {
	logger, err := observability.NewLogger(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	if opts.url == "" {
		return errors.New("a stream url is required (--url or LOKUTOR_LIVE_URL)")
	}
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	cfg := orchestrator.DefaultConfig()
	cfg.VoiceID = opts.voice
	cfg.SystemPrompt = opts.systemPrompt

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, loc, nil); err != nil {
		return err
	}

	metrics := observability.NewMetrics("lokutor_live")
	engineOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTools(registry),
	}

	var recorder *audio.RecordingSink
	if !opts.textOnly {
		devs, err := openDevices(cfg.InputFormat, cfg.OutputFormat, 200*time.Millisecond)
		if err != nil {
			return fmt.Errorf("%w: %v", orchestrator.ErrDevice, err)
		}
		defer devs.Close()

		var sink audio.Sink = devs.sink
		if opts.record != "" {
			recorder = &audio.RecordingSink{Next: devs.sink, Format: cfg.OutputFormat}
			sink = recorder
		}
		engineOpts = append(engineOpts, orchestrator.WithAudioSource(devs.source), orchestrator.WithAudioSink(sink))
		if opts.echoGate {
			engineOpts = append(engineOpts, orchestrator.WithEchoGate(audio.NewEchoGate(0.15, 200*time.Millisecond)))
		}
	} else if opts.record != "" {
		recorder = &audio.RecordingSink{Format: cfg.OutputFormat}
		engineOpts = append(engineOpts, orchestrator.WithAudioSink(recorder))
	}

	engine, err := orchestrator.New(transport.NewWebSocketDialer(opts.url, opts.apiKey), cfg, engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		srv := newServer(opts.metricsAddr, metrics, engine.IsActive)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", opts.metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := engine.Initialize(ctx); err != nil {
		return err
	}
	logger.Info("connected", "sessionID", engine.SessionID(), "url", opts.url, "textOnly", opts.textOnly)

	conv := orchestrator.NewConversation(engine)
	go conv.Run(ctx, func(ev orchestrator.Event) { printEvent(stdout, ev) })

	if !opts.textOnly {
		if err := engine.StartAudioInput(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Listening. Type a message and press enter to send text, Ctrl+C to exit.")
	} else {
		fmt.Fprintln(stdout, "Type a message and press enter, Ctrl+C to exit.")
	}
	fmt.Fprintln(stdout, "/history shows the conversation so far, /clear forgets it.")
	go readLines(ctx, stdin, stdout, conv, logger)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if !engine.IsActive() {
				runErr = orchestrator.ErrConnection
				break loop
			}
		}
	}

	fmt.Fprintln(stdout, "\nShutting down...")
	if err := engine.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}
	if recorder != nil {
		if err := recorder.Save(opts.record); err != nil {
			return fmt.Errorf("save recording: %w", err)
		}
		logger.Info("recording saved", "path", opts.record)
	}
	return runErr
}

func readLines(ctx context.Context, r io.Reader, w io.Writer, conv *orchestrator.Conversation, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || handleCommand(w, conv.History(), line) {
			continue
		}
		if err := conv.Say(ctx, line); err != nil {
			logger.Warn("failed to send text", "error", err)
			return
		}
	}
}

// handleCommand runs a local slash command and reports whether line was one.
func handleCommand(w io.Writer, history *orchestrator.History, line string) bool {
	switch line {
	case "/history":
		for _, m := range history.Messages() {
			fmt.Fprintf(w, "%s: %s\n", strings.ToLower(string(m.Role)), m.Content)
		}
	case "/clear":
		fmt.Fprintf(w, "cleared %d messages\n", history.Reset())
	default:
		return false
	}
	return true
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.TranscriptEvent:
		t, ok := ev.Data.(orchestrator.Transcript)
		if !ok {
			return
		}
		role := strings.ToLower(string(t.Role))
		if t.Role == "" {
			role = strings.ToLower(string(protocol.RoleAssistant))
		}
		if t.Provisional {
			fmt.Fprintf(w, "[%s ...] %s\n", role, t.Text)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", role, t.Text)
	case orchestrator.BargeIn:
		fmt.Fprintln(w, "[interrupted]")
	case orchestrator.ToolCompleted:
		if res, ok := ev.Data.(tools.Result); ok {
			fmt.Fprintf(w, "[tool %s] %s\n", res.Name, res.Content)
		}
	case orchestrator.ErrorEvent:
		fmt.Fprintf(w, "[error] %v\n", ev.Data)
	}
}
