// chatstream connects to the chat realtime endpoint and streams routed events to console.
// Usage: go run ./cmd/chatstream --config configs/chatstream.example.yaml
//
// The token can come from the config file (realtime.token, usually ${CHAT_TOKEN})
// or from --token, which takes precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chat-realtime/internal/config"
	"github.com/rickgao/chat-realtime/internal/connection"
	"github.com/rickgao/chat-realtime/internal/database"
	"github.com/rickgao/chat-realtime/internal/diagnostics"
	"github.com/rickgao/chat-realtime/internal/router"
	"github.com/rickgao/chat-realtime/internal/version"
	"github.com/rickgao/chat-realtime/internal/writer"
)

var errReconnectExhausted = errors.New("reconnect attempts exhausted")

func main() {
	configPath := flag.String("config", "configs/chatstream.example.yaml", "path to config file")
	token := flag.String("token", "", "auth token (overrides realtime.token)")
	verbose := flag.Bool("verbose", false, "print full payload JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load config
	cfg, err := config.LoadAndValidate(*configPath, config.WithToken(*token))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	if cfg.Realtime.Token == "" {
		logger.Error("auth token required", "hint", "set realtime.token or pass --token")
		os.Exit(1)
	}

	if err := run(cfg, *verbose, logger); err != nil {
		logger.Error("chatstream exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, verbose bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	diag := diagnostics.NewStream()
	defer diag.Close()

	// Optional diagnostics store
	var diagWriter *writer.DiagnosticWriter
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Diagnostics)
		if err != nil {
			return fmt.Errorf("connect diagnostics database: %w", err)
		}
		defer pool.Close()

		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure diagnostics schema: %w", err)
		}

		events, cancelSub := diag.Subscribe(cfg.Writer.BufferSize)
		defer cancelSub()

		diagWriter = writer.NewDiagnosticWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, events, pool, logger)
		if err := diagWriter.Start(ctx); err != nil {
			return fmt.Errorf("start diagnostic writer: %w", err)
		}
	}

	rtr := router.NewRouter(logger,
		router.WithDiagnostics(diag),
		router.WithUnknownHandler(func(env router.Envelope) {
			fmt.Printf("[UNKNOWN] type=%s data=%s\n", env.Type, env.Data)
		}),
	)
	registerPrinters(rtr, verbose)

	mgrCfg := cfg.Realtime.ManagerConfig()
	mgr := connection.NewManager(mgrCfg, rtr, logger,
		connection.WithDiagnostics(diag),
	)

	logEvents, cancelLog := diag.Subscribe(256)
	defer cancelLog()

	g, gctx := errgroup.WithContext(ctx)

	// Initial connect. Later reconnects are driven by the manager.
	g.Go(func() error {
		err := mgr.Connect(gctx, cfg.Realtime.Token)
		switch {
		case err == nil:
			logger.Info("streaming started - press Ctrl+C to stop", "url", cfg.Realtime.URL)
			return nil
		case errors.Is(err, connection.ErrClosedBeforeOpen):
			logger.Warn("initial connection closed before open, retrying", "error", err)
			return nil
		case gctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("connect: %w", err)
		}
	})

	// The diagnostics subscription can drop events, so exhaustion is also
	// read from the manager's own state.
	g.Go(func() error {
		return watchSession(gctx, mgr, mgrCfg.Policy.MaxAttempts, time.Second)
	})

	// Diagnostics log; exhaustion ends the run.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-logEvents:
				if !ok {
					return nil
				}
				logDiagnostic(logger, ev)
				if ev.Kind == diagnostics.KindReconnectExhausted {
					return errReconnectExhausted
				}
			}
		}
	})

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(logger, mgr, rtr, diag, diagWriter)
			}
		}
	})

	err := g.Wait()

	// Graceful shutdown
	logger.Info("shutting down...")
	mgr.Disconnect()

	if diagWriter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := diagWriter.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("diagnostic writer did not stop cleanly", "error", stopErr)
		}
	}

	logStats(logger, mgr, rtr, diag, diagWriter)
	logger.Info("shutdown complete")
	return err
}

type statser interface {
	Stats() connection.ManagerStats
}

// watchSession polls src until the session can no longer recover.
func watchSession(ctx context.Context, src statser, maxAttempts int, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sessionExhausted(src.Stats(), maxAttempts) {
				return errReconnectExhausted
			}
		}
	}
}

// sessionExhausted reports a manager that is closed, out of attempts and
// has no reconnect armed.
func sessionExhausted(s connection.ManagerStats, maxAttempts int) bool {
	return s.State == connection.StateClosed &&
		!s.ReconnectPending &&
		s.Attempt >= maxAttempts
}

func registerPrinters(rtr *router.Router, verbose bool) {
	rtr.OnNewMessage(func(msg router.Message) {
		if verbose {
			printJSON("MESSAGE", msg)
			return
		}
		fmt.Printf("[MESSAGE] conversation=%d id=%d sender=%d content=%q\n",
			msg.ConversationID, msg.ID, msg.SenderID, msg.Content)
	})
	rtr.OnMessageRead(func(r router.MessageRead) {
		if verbose {
			printJSON("READ", r)
			return
		}
		fmt.Printf("[READ] conversation=%d message=%d user=%d\n", r.ConversationID, r.MessageID, r.UserID)
	})
	rtr.OnTypingIndicator(func(ty router.Typing) {
		if verbose {
			printJSON("TYPING", ty)
			return
		}
		fmt.Printf("[TYPING] conversation=%d user=%d typing=%t\n", ty.ConversationID, ty.UserID, ty.IsTyping)
	})
	rtr.OnUserOnlineStatus(func(s router.UserStatus) {
		fmt.Printf("[PRESENCE] user=%d online=%t last_seen=%s\n", s.UserID, s.Online, s.LastSeen)
	})
	rtr.OnConversationUpdated(func(u router.ConversationUpdate) {
		if verbose {
			printJSON("CONVERSATION", u)
			return
		}
		fmt.Printf("[CONVERSATION] id=%d unread=%d\n", u.ConversationID, u.UnreadCount)
	})
	rtr.OnConnectionStatus(func(s router.ConnectionStatus) {
		fmt.Printf("[STATUS] connected=%t\n", s.Connected)
	})
}

func printJSON(tag string, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("[%s] %s\n", tag, data)
}

func logDiagnostic(logger *slog.Logger, ev diagnostics.Event) {
	attrs := []any{"kind", ev.Kind}
	if ev.State != "" {
		attrs = append(attrs, "state", ev.State)
	}
	if ev.Attempt != 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.Delay != 0 {
		attrs = append(attrs, "delay", ev.Delay)
	}
	if ev.Code != 0 {
		attrs = append(attrs, "code", ev.Code)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Name != "" {
		attrs = append(attrs, "name", ev.Name)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	logger.Debug("diagnostic", attrs...)
}

func logStats(logger *slog.Logger, mgr *connection.Manager, rtr *router.Router, diag *diagnostics.Stream, w *writer.DiagnosticWriter) {
	connStats := mgr.Stats()
	routerStats := rtr.Stats()
	published, dropped := diag.Stats()

	attrs := []any{
		"state", connStats.State,
		"attempt", connStats.Attempt,
		"opens", connStats.Opens,
		"reconnects", connStats.Reconnects,
		"sends_dropped", connStats.SendsDropped,
		"router_received", routerStats.MessagesReceived,
		"router_routed", routerStats.MessagesRouted,
		"parse_errors", routerStats.ParseErrors,
		"unknown", routerStats.UnknownMessages,
		"handler_panics", routerStats.HandlerPanics,
		"diag_published", published,
		"diag_dropped", dropped,
	}
	if w != nil {
		ws := w.Stats()
		attrs = append(attrs, "diag_inserts", ws.Inserts, "diag_write_errors", ws.Errors)
	}
	logger.Info("stats", attrs...)
}
