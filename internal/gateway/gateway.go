// Package gateway owns the per-WebSocket Session Manager (spec.md
// §4.1): accept/auth, admission, message dispatch, idle watchdog, and
// write serialization. It is grounded on the retrieval pack's
// terminal/websocket.go (WebSocketHandler.ServeHTTP/inputLoop/outputLoop)
// and terminal/manager.go (SessionManager) — the same coder/websocket
// Accept/Read/Write lifecycle and origin check, generalized from a PTY
// byte-stream relay into a typed JSON envelope dispatcher that owns a
// state machine and spawns one Orchestrator task per turn instead of a
// single long-lived exec stream.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/infergate/internal/engine"
	"github.com/ashureev/infergate/internal/orchestrator"
	"github.com/ashureev/infergate/internal/ratelimit"
	"github.com/ashureev/infergate/internal/turnlog"
	"github.com/ashureev/infergate/internal/validate"
	"github.com/ashureev/infergate/internal/wire"

	"github.com/google/uuid"
)

// admissionTimeout bounds how long ServeHTTP waits for a free admission
// permit before reporting server_at_capacity (spec.md §4.1 "attempt to
// acquire one admission permit (non-blocking with configurable timeout)").
const admissionTimeout = 200 * time.Millisecond

// State is the per-session lifecycle state (spec.md §3 "Session").
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateCancelling
	StateClosed
)

// Config holds the process-wide, env-sourced knobs the gateway needs
// (spec.md §6 "Environment configuration").
type Config struct {
	APIKey                string
	IdleTimeout           time.Duration
	MessageRateLimit      int
	MessageRateWindow     time.Duration
	CancelRateLimit       int
	CancelRateWindow      time.Duration
	Sampling              validate.SamplingConfig
	PersonaPromptMaxChars int
	UtteranceMaxChars     int
	TurnTimeout           time.Duration
	EmitFinalFrame        bool
	AllowedOrigin         string
	IsDev                 bool
}

// Server accepts WebSocket connections, authenticates and admits them,
// then drives one Session per connection. It holds the process-wide
// shared resources (spec.md §5 "Shared resources"): the two model
// engines and the admission semaphore.
type Server struct {
	cfg        Config
	admission  *ratelimit.Admission
	chat       engine.ChatEngine
	classifier engine.ToolClassifier
	logger     *slog.Logger
	log        turnlog.TurnLogger
	reporter   *wire.Reporter
}

// NewServer builds a Server. chat/classifier are the shared, thread-safe
// engine collaborators (spec.md §4.2 "Engine collaborator contracts").
func NewServer(cfg Config, admission *ratelimit.Admission, chat engine.ChatEngine, classifier engine.ToolClassifier, logger *slog.Logger, log turnlog.TurnLogger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if log == nil {
		log = turnlog.NoopLogger{}
	}
	return &Server{cfg: cfg, admission: admission, chat: chat, classifier: classifier, logger: logger, log: log, reporter: wire.NewReporter()}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade at the
// configured path (default "/ws" per spec.md §6).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if !s.authenticate(r) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			s.logger.Debug("accept failed during auth rejection", "error", err)
			return
		}
		_ = ws.Close(wire.CloseAuthFailed, wire.ErrAuthenticationFailed)
		return
	}

	admitCtx, cancelAdmit := context.WithTimeout(r.Context(), admissionTimeout)
	permit, ok := s.admission.TryAcquire(admitCtx)
	cancelAdmit()
	if !ok {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			s.logger.Debug("accept failed during capacity rejection", "error", err)
			return
		}
		_ = s.writeJSON(r.Context(), ws, wire.Error(wire.ErrServerAtCapacity, "server at capacity"))
		_ = ws.Close(wire.CloseServerCapacity, wire.ErrServerAtCapacity)
		return
	}
	defer permit.Release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(wire.CloseGraceful, "session ended")
	}()

	sess := newSession(s, ws)
	sess.run(r.Context())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.AllowedOrigin == "" || s.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == s.cfg.AllowedOrigin {
		return true
	}
	s.logger.Warn("websocket origin rejected", "origin", origin, "allowed", s.cfg.AllowedOrigin)
	return false
}

// authenticate performs a constant-time comparison of the supplied key
// against the configured secret (spec.md §4.1 "validate key (constant-time
// compare)").
func (s *Server) authenticate(r *http.Request) bool {
	supplied := r.Header.Get("X-API-Key")
	if supplied == "" {
		supplied = r.URL.Query().Get("api_key")
	}
	if supplied == "" || s.cfg.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// session owns one accepted WebSocket: its state machine, rate
// limiters, write-mutex, and idle watchdog (spec.md §4.1, §5).
type session struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu               sync.Mutex
	state            State
	sessionID        string
	persona          validate.Persona
	currentReqID     string
	lastActivity     atomic.Int64 // unix nanos
	turnCancelFlag   *atomic.Bool
	turnDone         chan struct{}
	limiter          *ratelimit.SessionLimiter
	history          []wire.HistoryTurn
	haveFirstPersona bool
}

func newSession(srv *Server, ws *websocket.Conn) *session {
	sess := &session{
		srv:   srv,
		ws:    ws,
		state: StateIdle,
		limiter: ratelimit.NewSessionLimiter(
			srv.cfg.MessageRateLimit, srv.cfg.MessageRateWindow,
			srv.cfg.CancelRateLimit, srv.cfg.CancelRateWindow,
		),
	}
	sess.touch()
	return sess
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// run is the session's main loop (spec.md §4.1 "run()"). It returns when
// the client sends `end`, the socket closes, the idle watchdog fires, or
// an unrecoverable error occurs.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		s.idleWatchdog(ctx, cancel)
	}()
	defer func() { <-watchdogDone }()

	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				s.srv.logger.Debug("websocket closed by client")
			} else {
				s.srv.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		s.touch()

		env, err := wire.Parse(data)
		if err != nil {
			s.send(ctx, wire.Error(wire.ErrInvalidPayload, "could not parse frame"))
			continue
		}

		if err := s.checkRateLimit(ctx, env.Type); err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeStart:
			s.handleStart(ctx, env)
		case wire.TypeCancel:
			s.handleCancel()
		case wire.TypeChatPrompt:
			s.handleChatPrompt(ctx, env)
		case wire.TypePing:
			s.send(ctx, wire.Pong())
		case wire.TypeEnd:
			s.handleEnd(ctx)
			return
		default:
			s.send(ctx, wire.Error(wire.ErrUnknownMessageType, "unrecognized message type"))
		}
	}
}

// checkRateLimit consumes the appropriate bucket for this frame type and
// emits a rate-limit error if exhausted (spec.md §4.5).
func (s *session) checkRateLimit(ctx context.Context, frameType string) error {
	if err := s.limiter.Allow(frameType, time.Now()); err != nil {
		if rle, ok := err.(*ratelimit.RateLimitError); ok {
			s.send(ctx, wire.Error(rle.Bucket.ErrorCode(), "rate limit exceeded", wire.WithRetryIn(rle.RetryIn.Seconds())))
		}
		return err
	}
	return nil
}

func (s *session) idleWatchdog(ctx context.Context, cancel context.CancelFunc) {
	timeout := s.srv.cfg.IdleTimeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleSince() >= timeout {
				s.srv.logger.Info("idle watchdog closing session", "session_id", s.sessionID)
				_ = s.ws.Close(wire.CloseIdleTimeout, "idle_timeout")
				cancel()
				return
			}
		}
	}
}

// send serializes one outbound frame through the session's write-mutex
// (spec.md §5 "all outbound frames are serialized through one
// write-mutex").
func (s *session) send(ctx context.Context, frame any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.srv.writeJSON(ctx, s.ws, frame); err != nil {
		s.srv.logger.Debug("write failed", "error", err)
		return
	}
	s.touch()
}

func (s *session) handleEnd(ctx context.Context) {
	s.handleCancel()
	if ch := s.waitTurnDone(); ch != nil {
		<-ch
	}
}

// waitTurnDone returns the channel closed when the in-flight turn
// finishes, or nil if there is none.
func (s *session) waitTurnDone() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnDone
}

func (s *session) handleCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateGenerating {
		return
	}
	s.state = StateCancelling
	if s.turnCancelFlag != nil {
		s.turnCancelFlag.Store(true)
	}
}

func (s *session) handleChatPrompt(ctx context.Context, env *wire.InboundEnvelope) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.send(ctx, wire.Error(wire.ErrValidation, "chat_prompt only allowed while idle"))
		return
	}
	s.mu.Unlock()

	persona, err := validate.ValidatePersona(validate.PersonaInput{
		Gender:      env.Gender,
		Personality: env.Personality,
		ChatPrompt:  env.ChatPrompt,
	}, s.srv.cfg.PersonaPromptMaxChars)
	if err != nil {
		s.send(ctx, wire.Error(wire.ErrInvalidSettings, err.Error()))
		return
	}

	s.mu.Lock()
	unchanged := s.haveFirstPersona && persona == s.persona
	s.persona = persona
	s.haveFirstPersona = true
	s.mu.Unlock()

	code := 200
	if unchanged {
		code = 204
	}
	s.send(ctx, wire.Ack(wire.TypeChatPrompt, "", code))
}

func (s *session) handleStart(ctx context.Context, env *wire.InboundEnvelope) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.send(ctx, wire.Error(wire.ErrValidation, "start only allowed while idle"))
		return
	}

	if env.SessionID == "" {
		s.mu.Unlock()
		s.send(ctx, wire.Error(wire.ErrMissingSessionID, "session_id is required"))
		return
	}
	s.sessionID = env.SessionID
	s.mu.Unlock()

	if !s.srv.chat.Ready() || !s.srv.classifier.Ready() {
		s.send(ctx, wire.Error(wire.ErrEngineNotReady, "engine is not ready to accept new turns"))
		return
	}

	persona, err := validate.ValidatePersona(validate.PersonaInput{
		Gender:      env.Gender,
		Personality: env.Personality,
		ChatPrompt:  env.ChatPrompt,
	}, s.srv.cfg.PersonaPromptMaxChars)
	if err != nil {
		s.send(ctx, wire.Error(wire.ErrInvalidSettings, err.Error()))
		return
	}

	utterance, err := validate.SanitizePrompt(env.UserUtterance, s.srv.cfg.UtteranceMaxChars)
	if err != nil {
		s.send(ctx, wire.Error(wire.ErrValidation, err.Error()))
		return
	}

	var overrides *validate.SamplingOverrides
	if env.Sampling != nil {
		overrides = &validate.SamplingOverrides{
			Temperature:       env.Sampling.Temperature,
			TopP:              env.Sampling.TopP,
			RepetitionPenalty: env.Sampling.RepetitionPenalty,
		}
	}
	sampling, err := validate.ResolveSampling(s.srv.cfg.Sampling, overrides)
	if err != nil {
		s.send(ctx, wire.Error(wire.ErrInvalidSettings, err.Error()))
		return
	}

	history := make([]wire.HistoryTurn, len(env.History))
	copy(history, env.History)

	requestID := uuid.NewString()
	var cancelFlag atomic.Bool
	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateGenerating
	s.persona = persona
	s.haveFirstPersona = true
	s.currentReqID = requestID
	s.turnCancelFlag = &cancelFlag
	s.turnDone = done
	s.history = history
	s.mu.Unlock()

	req := orchestrator.TurnRequest{
		RequestID:     requestID,
		SessionID:     s.sessionID,
		ChatPrompt:    buildChatPrompt(persona, history, utterance),
		ToolPrompt:    buildToolPrompt(persona, history, utterance),
		UserUtterance: utterance,
		Sampling:      sampling,
	}

	deps := orchestrator.Deps{
		Chat:           s.srv.chat,
		Classifier:     s.srv.classifier,
		EmitFinalFrame: s.srv.cfg.EmitFinalFrame,
		TurnTimeout:    s.srv.cfg.TurnTimeout,
		Logger:         s.srv.logger,
		Log:            s.srv.log,
		Reporter:       s.srv.reporter,
	}

	go func() {
		defer close(done)
		orchestrator.RunTurn(ctx, deps, req, &cancelFlag, func(frame any) {
			s.send(ctx, frame)
		})
		s.mu.Lock()
		s.state = StateIdle
		s.currentReqID = ""
		s.turnCancelFlag = nil
		s.turnDone = nil
		s.mu.Unlock()
	}()
}

// buildChatPrompt / buildToolPrompt assemble the final prompt strings
// handed to the two engines (spec.md §4.2 step 2/3: "prompt=tool_prompt
// +history+utterance", "prompt=chat_prompt+history+utterance").
func buildChatPrompt(p validate.Persona, history []wire.HistoryTurn, utterance string) string {
	return composePrompt(p.ChatPrompt, history, utterance)
}

func buildToolPrompt(p validate.Persona, history []wire.HistoryTurn, utterance string) string {
	return composePrompt("Decide whether the user is asking to take a screenshot.", history, utterance)
}

func composePrompt(preamble string, history []wire.HistoryTurn, utterance string) string {
	var b []byte
	if preamble != "" {
		b = append(b, preamble...)
		b = append(b, '\n')
	}
	for _, h := range history {
		b = append(b, h.Role...)
		b = append(b, ": "...)
		b = append(b, h.Content...)
		b = append(b, '\n')
	}
	b = append(b, "user: "...)
	b = append(b, utterance...)
	return string(b)
}
