// Package engine defines the boundary between the gateway and the two
// co-located generative models (spec.md §4.2, §"Key abstractions"). The
// models themselves are out of scope; callers only see an async
// generate/abort contract, mirroring the shape of the AgentProcessor
// interface in the retrieval pack's agent package (agent_interface.go,
// service.go) — an iter.Seq2 streaming method plus a best-effort Close —
// generalized from a single gRPC-backed chat processor into two distinct
// in-process collaborators (chat engine, tool classifier).
package engine

import (
	"context"
	"iter"
)

// Sampling carries the resolved generation knobs for one turn
// (spec.md §3, validated by internal/validate.ResolveSampling).
type Sampling struct {
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// Chunk is one increment of a streaming chat generation: a decoded text
// fragment plus whether this is the final chunk of the stream
// (spec.md §"ChatEngine.generate_stream(prompt, sampling, cancel_token)
// -> async iterator of (token_ids_chunk, done_flag)"; token IDs are
// decoded to text at the engine boundary so everything above it works
// in text).
type Chunk struct {
	Text string
	Done bool
}

// Handle identifies one in-flight chat generation so it can be aborted.
type Handle string

// Readiness is implemented by engine collaborators that can report their
// own connection/model health independently of any in-flight generation,
// modeled on the teacher's gRPC client readiness probe
// (internal/agent/grpc_client.go's waitForReady/connectivity.Ready) but
// exposed as a cheap, non-blocking poll rather than a connect-time wait:
// the gateway calls Ready() once per `start` to decide whether to admit
// a new turn at all (spec.md §9 "Engine health/ready gate"), separate
// from the engine_not_ready error a generation call can still return
// mid-stream if health changes after admission.
type Readiness interface {
	Ready() bool
}

// ChatEngine streams a chat completion for a single turn. A conforming
// implementation MUST stop sending further Chunks soon after Abort is
// called with its returned Handle (spec.md §4.2 cancellation semantics,
// "best-effort").
type ChatEngine interface {
	Readiness

	// GenerateStream begins a chat generation and returns a Handle used
	// for Abort plus an iterator of Chunks. The iterator is consumed with
	// range-over-func: ranging stops as soon as the orchestrator's loop
	// body returns false (cancellation) or the stream yields a non-nil
	// error.
	GenerateStream(ctx context.Context, prompt string, sampling Sampling) (Handle, iter.Seq2[Chunk, error])

	// Abort requests best-effort cancellation of an in-flight generation
	// identified by handle. It never blocks on the generation actually
	// stopping; the orchestrator independently discards any further
	// Chunks it still receives.
	Abort(handle Handle)
}

// ToolClassifier produces one bounded, non-streaming completion used to
// decide whether (and how) to emit a toolcall frame (spec.md
// "ToolClassifier.generate(prompt, sampling) -> full_completion_string
// (bounded small output)").
type ToolClassifier interface {
	Readiness

	Generate(ctx context.Context, prompt string, sampling Sampling) (string, error)
}

// Closer is implemented by engines that hold resources (model handles,
// connections) needing release at shutdown. Both ChatEngine and
// ToolClassifier implementations in this package also implement Closer;
// it is split out so stub/test engines aren't forced to implement it.
type Closer interface {
	Close()
}
