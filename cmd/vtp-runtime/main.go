package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiger/voice-turn-pipeline/api/turnstream"
	"github.com/tiger/voice-turn-pipeline/internal/observability/telemetry"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/admission"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/bootstrap"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/resilience"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/session"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/dispatch"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/pipeline"
	wstransport "github.com/tiger/voice-turn-pipeline/transports/websocket"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "vtp-runtime: %v\n", err)
		os.Exit(1)
	}
}

type runtimeConfig struct {
	addr        string
	catalogPath string
	voiceID     string
	voiceFormat string
	synthesizer string
	maxInFlight int
}

func parseFlags(args []string) (runtimeConfig, error) {
	fs := flag.NewFlagSet("vtp-runtime", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := runtimeConfig{}
	fs.StringVar(&cfg.addr, "addr", ":8080", "listen address")
	fs.StringVar(&cfg.catalogPath, "catalog", "", "path to model catalog json (built-in catalog when empty)")
	fs.StringVar(&cfg.voiceID, "voice", pipeline.DefaultVoice.ID, "synthesis voice id")
	fs.StringVar(&cfg.voiceFormat, "format", pipeline.DefaultVoice.Format, "synthesis audio format")
	fs.StringVar(&cfg.synthesizer, "synthesizer", "", "preferred synthesis provider id")
	fs.IntVar(&cfg.maxInFlight, "max-inflight-synthesis", dispatch.DefaultMaxInFlight, "max concurrent synthesis calls per turn")

	if err := fs.Parse(args); err != nil {
		return runtimeConfig{}, err
	}
	if cfg.maxInFlight < 1 {
		return runtimeConfig{}, fmt.Errorf("max-inflight-synthesis must be >=1")
	}
	return cfg, nil
}

func run(args []string, stdout io.Writer, _ io.Writer, now func() time.Time) error {
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(stdout)
			return nil
		}
	}
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cleanupTelemetry, err := setupRuntimeTelemetry(log)
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	cat, err := loadCatalog(cfg.catalogPath)
	if err != nil {
		return err
	}
	reg, err := bootstrap.BuildFromEnv()
	if err != nil {
		return fmt.Errorf("provider bootstrap failed: %w", err)
	}
	log.Info("providers ready", zap.String("summary", bootstrap.Summary(reg)))

	admit, err := admission.NewFromEnv()
	if err != nil {
		return fmt.Errorf("admission setup: %w", err)
	}

	turns, err := pipeline.New(pipeline.Config{
		Catalog:              cat,
		Registry:             reg,
		Breakers:             resilience.NewBreakerSet(resilience.BreakerConfig{}, log),
		Emitter:              telemetry.DefaultEmitter(),
		Voice:                dispatch.Voice{ID: cfg.voiceID, Format: cfg.voiceFormat},
		SynthesizerID:        cfg.synthesizer,
		MaxInFlightSynthesis: cfg.maxInFlight,
		Log:                  log,
	})
	if err != nil {
		return fmt.Errorf("pipeline setup: %w", err)
	}

	srv := newServer(serverDeps{
		turns:     turns,
		admission: admit,
		sessions:  session.NewRegistry(),
		log:       log,
		now:       now,
	})

	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Int("active_sessions", srv.sessions.Len()))
	srv.sessions.HangupAll("server shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupRuntimeTelemetry(log *zap.Logger) (func(), error) {
	previous := telemetry.DefaultEmitter()

	tp, err := telemetry.NewPipelineFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("runtime telemetry setup failed: %w", err)
	}
	if tp == nil {
		return func() { telemetry.SetDefaultEmitter(previous) }, nil
	}

	telemetry.SetDefaultEmitter(tp)
	return func() {
		_ = tp.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}
	return cat, nil
}

// turnRunner is the slice of the pipeline the session handler drives.
type turnRunner interface {
	RunTurn(ctx context.Context, in pipeline.TurnInput) (pipeline.TurnResult, error)
}

type serverDeps struct {
	turns     turnRunner
	admission *admission.Controller
	sessions  *session.Registry
	log       *zap.Logger
	now       func() time.Time
}

type server struct {
	turns     turnRunner
	admission *admission.Controller
	sessions  *session.Registry
	log       *zap.Logger
	now       func() time.Time
	wsConfig  wstransport.Config
}

func newServer(deps serverDeps) *server {
	if deps.log == nil {
		deps.log = zap.NewNop()
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	return &server{
		turns:     deps.turns,
		admission: deps.admission,
		sessions:  deps.sessions,
		log:       deps.log,
		now:       deps.now,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	return mux
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Len(),
	})
}

// clientMessage is one inbound websocket frame from the caller.
type clientMessage struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript,omitempty"`
	LatencyBudgetMS int    `json:"latency_budget_ms,omitempty"`
	CostSensitive   bool   `json:"cost_sensitive,omitempty"`
	NeedsTools      bool   `json:"needs_tools,omitempty"`
	Region          string `json:"region,omitempty"`
	MaxTokens       int    `json:"max_tokens,omitempty"`
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	decision := s.admission.Decide(s.now())
	if !decision.Admit {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": decision.Reason})
		return
	}
	defer s.admission.Release()

	upgrader := wstransport.Upgrader(s.wsConfig)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	adapter := wstransport.NewAdapter(conn, s.wsConfig, s.log)
	defer func() { _ = adapter.Close() }()

	manager, err := s.sessions.Create()
	if err != nil {
		s.log.Error("session create failed", zap.Error(err))
		return
	}
	sessionID := manager.SessionID()
	defer func() {
		manager.Hangup("connection closed")
		s.sessions.Remove(sessionID)
	}()
	s.log.Info("session opened", zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go adapter.KeepAlive(ctx)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				s.log.Warn("session read failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = adapter.SendError(sessionID, "turn-unassigned", 0, turnstream.FailureRequestInvalid, "malformed client message")
			continue
		}
		switch msg.Type {
		case "turn":
			s.runSessionTurn(ctx, adapter, manager, msg)
		case "hangup":
			manager.Hangup("caller hangup")
			_ = adapter.SendStatus(sessionID, "turn-unassigned", 0, turnstream.StatusSessionClosed, "caller hangup")
			return
		default:
			_ = adapter.SendError(sessionID, "turn-unassigned", 0, turnstream.FailureRequestInvalid,
				fmt.Sprintf("unsupported message type %q", msg.Type))
		}
	}
}

// runSessionTurn executes one turn inline on the session's read loop. The
// manager enforces one active turn per session; a hangup or connection drop
// cancels the turn through its context subtree.
func (s *server) runSessionTurn(ctx context.Context, adapter *wstransport.Adapter, manager *session.Manager, msg clientMessage) {
	sessionID := manager.SessionID()

	turnID, err := manager.ProposeTurn()
	if err != nil {
		_ = adapter.SendError(sessionID, "turn-unassigned", 0, turnstream.FailureRequestInvalid, err.Error())
		return
	}
	tctx, err := manager.OpenTurn(ctx, turnID)
	if err != nil {
		_ = adapter.SendError(sessionID, turnID, 0, turnstream.FailureRequestInvalid, err.Error())
		return
	}

	_ = adapter.SendStatus(sessionID, turnID, 0, turnstream.StatusTurnStarted, "")
	res, err := s.turns.RunTurn(tctx, pipeline.TurnInput{
		SessionID:       sessionID,
		TurnID:          turnID,
		Transcript:      msg.Transcript,
		History:         manager.History(),
		LatencyBudgetMS: msg.LatencyBudgetMS,
		CostSensitive:   msg.CostSensitive,
		NeedsTools:      msg.NeedsTools,
		PreferredRegion: msg.Region,
		MaxTokens:       msg.MaxTokens,
		Sink:            adapter.TurnSink(sessionID, turnID),
	})

	switch {
	case err != nil:
		_ = manager.AbortTurn(turnID)
		class, reason := failureWire(res.Err, err)
		_ = adapter.SendError(sessionID, turnID, res.Sentences, class, reason)
		s.log.Warn("turn failed",
			zap.String("session_id", sessionID),
			zap.String("turn_id", turnID),
			zap.Error(err))
	case res.Err != nil:
		// Audio was delivered from a degraded path; the exchange still
		// belongs in history.
		s.commitTurn(manager, turnID, msg.Transcript, res.Transcript)
		class, reason := failureWire(res.Err, nil)
		_ = adapter.SendError(sessionID, turnID, res.Sentences, class, reason)
		_ = adapter.SendStatus(sessionID, turnID, res.Sentences, turnstream.StatusTurnDegraded, reason)
	default:
		s.commitTurn(manager, turnID, msg.Transcript, res.Transcript)
		_ = adapter.SendStatus(sessionID, turnID, res.Sentences, turnstream.StatusTurnCompleted, "")
	}
}

func (s *server) commitTurn(manager *session.Manager, turnID, userText, assistantText string) {
	if err := manager.CommitTurn(turnID, userText, assistantText); err != nil {
		// Hangup fenced the turn between completion and commit; the
		// exchange is dropped by design.
		s.log.Debug("turn commit skipped", zap.String("turn_id", turnID), zap.Error(err))
		return
	}
	if err := manager.CloseTurn(turnID); err != nil {
		s.log.Debug("turn close skipped", zap.String("turn_id", turnID), zap.Error(err))
	}
}

// failureWire maps a runtime failure to its wire class and reason.
func failureWire(failure *contracts.Failure, fallback error) (turnstream.FailureClass, string) {
	if failure != nil {
		return turnstream.FailureClass(failure.Class), failure.Error()
	}
	if f, ok := contracts.AsFailure(fallback); ok {
		return turnstream.FailureClass(f.Class), f.Error()
	}
	reason := "turn failed"
	if fallback != nil {
		reason = fallback.Error()
	}
	return turnstream.FailureServiceUnavailable, reason
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "vtp-runtime usage:")
	_, _ = fmt.Fprintln(w, "  vtp-runtime [-addr :8080] [-catalog <path>] [-voice <id>] [-format <fmt>] [-synthesizer <provider>] [-max-inflight-synthesis <n>]")
	_, _ = fmt.Fprintln(w, "Endpoints:")
	_, _ = fmt.Fprintln(w, "  GET /healthz      liveness and session count")
	_, _ = fmt.Fprintln(w, "  GET /v1/session   websocket upgrade; json turn messages in, turn events + audio frames out")
}
