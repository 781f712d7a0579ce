package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/infergate/internal/wire"
)

// errEngineNotReady / errEngineShutdown classify fatal-for-the-turn
// engine states (spec.md §7 taxonomy: "Engine-not-ready / engine-shutdown")
// so the orchestrator can map them straight to an `error{code:"internal_error"}`
// frame via wire.Classify without a type switch.
var (
	errEngineNotReady = wire.NewClassified(wire.ClassEngineNotReady, "engine not ready")
	errEngineShutdown = wire.NewClassified(wire.ClassEngineShutdown, "engine is shutting down")
)

// StubChatEngine is a minimal in-process ChatEngine used where no real
// model backend is wired, modeled on the connection lifecycle of the
// retrieval pack's GrpcClient (grpc_client.go): a readiness gate
// (waitForReady's Ready/Idle/Shutdown states collapsed to a single
// ready/shut-down bool here, since there is no remote connection to
// poll) and an abort-by-handle map in place of the gRPC stream cancel.
// It splits a fixed placeholder completion (see echoCompletion; the prompt
// only decides which one) into word-sized Chunks to exercise the
// orchestrator and sanitizer pipeline end-to-end without a real model.
type StubChatEngine struct {
	mu       sync.Mutex
	ready    bool
	shutdown bool
	aborted  map[Handle]bool
	seq      uint64

	// ChunkDelay paces emission so cancellation has a real window to
	// land mid-stream in tests; zero means no delay.
	ChunkDelay time.Duration
}

// NewStubChatEngine returns a StubChatEngine in the ready state.
func NewStubChatEngine() *StubChatEngine {
	return &StubChatEngine{
		ready:   true,
		aborted: make(map[Handle]bool),
	}
}

// SetReady flips the readiness gate, used to simulate engine-not-ready.
func (e *StubChatEngine) SetReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = ready
}

// Ready implements engine.Readiness.
func (e *StubChatEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready && !e.shutdown
}

func (e *StubChatEngine) nextHandle() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return Handle(fmt.Sprintf("stub-%d", e.seq))
}

// GenerateStream implements ChatEngine.
func (e *StubChatEngine) GenerateStream(ctx context.Context, prompt string, sampling Sampling) (Handle, iter.Seq2[Chunk, error]) {
	handle := e.nextHandle()

	e.mu.Lock()
	ready, shutdown := e.ready, e.shutdown
	e.aborted[handle] = false
	e.mu.Unlock()

	words := strings.Fields(echoCompletion(prompt))

	return handle, func(yield func(Chunk, error) bool) {
		if shutdown {
			yield(Chunk{}, errEngineShutdown)
			return
		}
		if !ready {
			yield(Chunk{}, errEngineNotReady)
			return
		}

		for i, w := range words {
			e.mu.Lock()
			aborted := e.aborted[handle]
			e.mu.Unlock()
			if aborted {
				return
			}
			if ctx.Err() != nil {
				yield(Chunk{}, ctx.Err())
				return
			}
			if e.ChunkDelay > 0 {
				select {
				case <-time.After(e.ChunkDelay):
				case <-ctx.Done():
					yield(Chunk{}, ctx.Err())
					return
				}
			}
			text := w
			if i < len(words)-1 {
				text += " "
			}
			if !yield(Chunk{Text: text, Done: false}, nil) {
				return
			}
		}
		yield(Chunk{Done: true}, nil)
	}
}

// Abort implements ChatEngine.
func (e *StubChatEngine) Abort(handle Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted[handle] = true
}

// Close implements Closer.
func (e *StubChatEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	e.ready = false
}

// echoCompletion produces deterministic placeholder prose so the
// streaming pipeline (chunking, sanitizer, frame ordering) has
// something realistic to move without a real model attached.
func echoCompletion(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "I'm listening."
	}
	return "Sure, let's talk about that."
}

// StubToolClassifier is a minimal in-process ToolClassifier returning a
// fixed "no tool call" completion, grounded on the same readiness-gated
// shape as StubChatEngine above.
type StubToolClassifier struct {
	mu       sync.Mutex
	ready    bool
	shutdown bool

	// Completion is returned verbatim by Generate; defaults to the
	// empty-array JSON completion meaning "no tool call".
	Completion string
}

// NewStubToolClassifier returns a StubToolClassifier in the ready state.
func NewStubToolClassifier() *StubToolClassifier {
	return &StubToolClassifier{ready: true, Completion: "[]"}
}

// SetReady flips the readiness gate.
func (c *StubToolClassifier) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready implements engine.Readiness.
func (c *StubToolClassifier) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.shutdown
}

// Generate implements ToolClassifier.
func (c *StubToolClassifier) Generate(ctx context.Context, prompt string, sampling Sampling) (string, error) {
	c.mu.Lock()
	ready, shutdown, completion := c.ready, c.shutdown, c.Completion
	c.mu.Unlock()

	if shutdown {
		return "", errEngineShutdown
	}
	if !ready {
		return "", errEngineNotReady
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return completion, nil
}

// Close implements Closer.
func (c *StubToolClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	c.ready = false
}
