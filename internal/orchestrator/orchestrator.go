// Package orchestrator drives one turn end-to-end: ack, tool decision,
// chat streaming through the sanitizer, and the final/done close-out
// (spec.md §4.2). It is grounded on the retrieval pack's HandleChat
// streaming loop (agent/handler.go) — `for resp, err := range
// h.agent.Chat(ctx, req) { ... }` with inline error handling and
// structured slog fields — generalized from a single SSE response
// stream into two concurrently driven collaborators (tool classifier,
// chat engine) that must still produce one strictly ordered frame
// sequence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/infergate/internal/engine"
	"github.com/ashureev/infergate/internal/prefilter"
	"github.com/ashureev/infergate/internal/sanitizer"
	"github.com/ashureev/infergate/internal/turnlog"
	"github.com/ashureev/infergate/internal/validate"
	"github.com/ashureev/infergate/internal/wire"
)

// Deps are the turn's shared, cross-session collaborators (spec.md §5
// "Shared resources: the two model engines are shared across all
// sessions... thread-safe async services").
type Deps struct {
	Chat           engine.ChatEngine
	Classifier     engine.ToolClassifier
	EmitFinalFrame bool
	TurnTimeout    time.Duration
	Logger         *slog.Logger
	Log            turnlog.TurnLogger

	// Reporter deduplicates "turn failed" log reports per wire.Class
	// (spec.md §7 "Classifier hook"). Shared across all turns/sessions so
	// the 10s window is process-wide, not per-turn; nil disables dedup.
	Reporter *wire.Reporter
}

// TurnRequest is the validated, fully-resolved input to one turn
// (spec.md §3 "TurnRequest"). ChatPrompt/ToolPrompt are the fully built
// prompt strings (persona + history + utterance already folded in by
// the caller); the orchestrator itself builds no prompts.
type TurnRequest struct {
	RequestID     string
	SessionID     string
	ChatPrompt    string
	ToolPrompt    string
	UserUtterance string
	Sampling      validate.Sampling
}

// Emit sends one wire frame to the session's single writer. The caller
// (Session Manager) is responsible for serializing writes across the
// socket; the orchestrator never writes concurrently with itself.
type Emit func(frame any)

func toEngineSampling(s validate.Sampling) engine.Sampling {
	return engine.Sampling{
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		RepetitionPenalty: s.RepetitionPenalty,
	}
}

type toolResult struct {
	yes bool
}

// RunTurn executes the complete algorithm of spec.md §4.2 and returns
// once exactly one `done` frame has been emitted. cancelFlag is shared
// with the session loop: a `cancel` frame sets it to true; RunTurn polls
// it between chunks and after each sanitizer push, per the cooperative
// cancellation design (spec.md §5 "Cancellation: cooperative").
func RunTurn(ctx context.Context, deps Deps, req TurnRequest, cancelFlag *atomic.Bool, emit Emit) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.TurnTimeout)
		defer cancel()
	}

	emit(wire.Ack(wire.TypeStart, req.RequestID, 200))

	toolDone := make(chan toolResult, 1)
	go func() { toolDone <- decideTool(ctx, deps, req, logger) }()

	sampling := toEngineSampling(req.Sampling)
	handle, stream := deps.Chat.GenerateStream(ctx, req.ChatPrompt, sampling)

	san := sanitizer.New()
	var assistant strings.Builder
	var pendingTokens strings.Builder
	toolEmitted := false
	toolStatus := toolResult{}
	cancelled := false
	var turnErr error

	flushToolcall := func(tr toolResult) {
		emit(wire.Toolcall(req.RequestID, tr.yes))
		toolEmitted = true
		toolStatus = tr
		if pendingTokens.Len() > 0 {
			emit(wire.Token(req.RequestID, pendingTokens.String()))
			pendingTokens.Reset()
		}
	}

	emitOrBuffer := func(delta string) {
		if delta == "" {
			return
		}
		if !toolEmitted {
			pendingTokens.WriteString(delta)
			return
		}
		emit(wire.Token(req.RequestID, delta))
	}

	for chunk, err := range stream {
		if cancelFlag.Load() {
			cancelled = true
			deps.Chat.Abort(handle)
			break
		}
		if err != nil {
			turnErr = err
			break
		}
		if chunk.Done {
			break
		}

		delta := san.Push(chunk.Text)
		assistant.WriteString(delta)

		if !toolEmitted {
			select {
			case tr := <-toolDone:
				flushToolcall(tr)
			default:
			}
		}
		emitOrBuffer(delta)

		if cancelFlag.Load() {
			cancelled = true
			deps.Chat.Abort(handle)
			break
		}
	}

	if !toolEmitted {
		if cancelled {
			// Turn is being abandoned before any toolcall could be
			// observed; spec.md §4.2 cancellation semantics require only
			// that no further token frames are emitted, so the toolcall
			// frame that would have preceded them is skipped too.
		} else {
			select {
			case tr := <-toolDone:
				flushToolcall(tr)
			case <-ctx.Done():
				turnErr = ctx.Err()
			}
		}
	}

	if !cancelled && turnErr == nil {
		tail := san.Flush()
		emitOrBuffer(tail)
		assistant.WriteString(tail)
	}

	entry := turnlog.Entry{
		Timestamp:     time.Now(),
		SessionID:     req.SessionID,
		RequestID:     req.RequestID,
		UserUtterance: req.UserUtterance,
		AssistantText: assistant.String(),
		Cancelled:     cancelled,
	}
	if toolEmitted {
		entry.ToolcallStatus = map[bool]string{true: "yes", false: "no"}[toolStatus.yes]
	}

	switch {
	case cancelled:
		emit(wire.Done(req.RequestID, true))
	case turnErr != nil:
		code, message := classifyTurnError(turnErr)
		entry.ErrorCode = code
		class := wire.Classify(turnErr)
		if deps.Reporter == nil || deps.Reporter.ShouldReport(class, time.Now()) {
			logger.Error("turn failed", "request_id", req.RequestID, "error", turnErr, "code", code, "class", class)
		}
		emit(wire.Error(code, message))
		emit(wire.Done(req.RequestID, false))
	default:
		if deps.EmitFinalFrame {
			emit(wire.Final(req.RequestID, assistant.String()))
		}
		emit(wire.Done(req.RequestID, false))
	}

	if deps.Log != nil {
		deps.Log.LogTurn(entry)
	}
}

// decideTool implements spec.md §4.2 step 2: prefilter first, classifier
// on miss, classifier failure defaults to "no" and continues.
func decideTool(ctx context.Context, deps Deps, req TurnRequest, logger *slog.Logger) toolResult {
	if r := prefilter.Evaluate(req.UserUtterance); r.Hit {
		return toolResult{yes: r.Status}
	}

	completion, err := deps.Classifier.Generate(ctx, req.ToolPrompt, toEngineSampling(req.Sampling))
	if err != nil {
		class := wire.Classify(err)
		if deps.Reporter == nil || deps.Reporter.ShouldReport(class, time.Now()) {
			logger.Warn("tool classifier failed, defaulting to no", "request_id", req.RequestID, "error", err, "class", class)
		}
		return toolResult{yes: false}
	}
	return toolResult{yes: parseToolcallCompletion(completion)}
}

// parseToolcallCompletion parses the classifier's completion as a JSON
// array per spec.md §6; any non-empty, valid array means "yes". A
// malformed completion is treated the same as a classifier failure.
func parseToolcallCompletion(completion string) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(completion)), &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

// classifyTurnError maps an engine-surfaced error to a wire error code
// per spec.md §7 taxonomy (engine_not_ready/engine_shutdown -> internal,
// timeout -> timeout, unknown -> internal).
func classifyTurnError(err error) (code, message string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.ErrTimeout, "generation timed out"
	}
	switch wire.Classify(err) {
	case wire.ClassTimeout:
		return wire.ErrTimeout, "generation timed out"
	case wire.ClassEngineNotReady, wire.ClassEngineShutdown:
		return wire.ErrInternal, "chat engine is unavailable"
	default:
		return wire.ErrInternal, "generation failed"
	}
}
