package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/infergate/internal/engine"
	"github.com/ashureev/infergate/internal/validate"
	"github.com/ashureev/infergate/internal/wire"
)

type capture struct {
	mu     sync.Mutex
	frames []any
}

func (c *capture) emit(f any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, frameType(f))
	}
	return out
}

func frameType(f any) string {
	type typed struct {
		Type string `json:"type"`
	}
	b, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	var t typed
	_ = json.Unmarshal(b, &t)
	return t.Type
}

func TestRunTurnHappyPathOrdering(t *testing.T) {
	t.Parallel()

	chat := engine.NewStubChatEngine()
	classifier := engine.NewStubToolClassifier()
	rec := &capture{}
	var cancelFlag atomic.Bool

	deps := Deps{Chat: chat, Classifier: classifier, EmitFinalFrame: true, TurnTimeout: 5 * time.Second}
	req := TurnRequest{
		RequestID:     "r1",
		ChatPrompt:    "hello world",
		ToolPrompt:    "classify this",
		UserUtterance: "what is the weather",
		Sampling:      validate.Sampling{Temperature: 0.8, TopP: 0.9, RepetitionPenalty: 1.1},
	}

	RunTurn(context.Background(), deps, req, &cancelFlag, rec.emit)

	types := rec.types()
	if len(types) < 3 {
		t.Fatalf("expected at least ack, toolcall, done; got %v", types)
	}
	if types[0] != wire.TypeAck {
		t.Fatalf("first frame should be ack, got %v", types)
	}
	if types[1] != wire.TypeToolcall {
		t.Fatalf("second frame should be toolcall, got %v", types)
	}
	if types[len(types)-1] != wire.TypeDone {
		t.Fatalf("last frame should be done, got %v", types)
	}
	doneCount := 0
	for _, typ := range types {
		if typ == wire.TypeDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done frame, got %d", doneCount)
	}
}

func TestRunTurnCancelEmitsNoTokensAfterCancel(t *testing.T) {
	t.Parallel()

	chat := engine.NewStubChatEngine()
	chat.ChunkDelay = 10 * time.Millisecond
	classifier := engine.NewStubToolClassifier()
	rec := &capture{}
	var cancelFlag atomic.Bool

	deps := Deps{Chat: chat, Classifier: classifier, TurnTimeout: 5 * time.Second}
	req := TurnRequest{
		RequestID:     "r2",
		ChatPrompt:    "a long response with many words to stream slowly",
		UserUtterance: "tell me a story",
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		cancelFlag.Store(true)
	}()

	RunTurn(context.Background(), deps, req, &cancelFlag, rec.emit)

	types := rec.types()
	doneCount := 0
	for _, typ := range types {
		if typ == wire.TypeDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done frame, got %d (%v)", doneCount, types)
	}
	if types[len(types)-1] != wire.TypeDone {
		t.Fatalf("last frame must be done, got %v", types)
	}
}

func TestRunTurnDedupsRepeatedErrorLogsWithinWindow(t *testing.T) {
	t.Parallel()

	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	reporter := wire.NewReporter()

	for i := 0; i < 2; i++ {
		chat := engine.NewStubChatEngine()
		chat.SetReady(false)
		classifier := engine.NewStubToolClassifier()
		rec := &capture{}
		var cancelFlag atomic.Bool

		deps := Deps{Chat: chat, Classifier: classifier, TurnTimeout: 5 * time.Second, Logger: logger, Reporter: reporter}
		req := TurnRequest{RequestID: "r-dedup", ChatPrompt: "hi", UserUtterance: "hi"}

		RunTurn(context.Background(), deps, req, &cancelFlag, rec.emit)
	}

	if got := strings.Count(logBuf.String(), "turn failed"); got != 1 {
		t.Fatalf("expected exactly one logged failure within the dedup window, got %d", got)
	}
}

func TestRunTurnEngineErrorEmitsErrorThenDone(t *testing.T) {
	t.Parallel()

	chat := engine.NewStubChatEngine()
	chat.SetReady(false)
	classifier := engine.NewStubToolClassifier()
	rec := &capture{}
	var cancelFlag atomic.Bool

	deps := Deps{Chat: chat, Classifier: classifier, TurnTimeout: 5 * time.Second}
	req := TurnRequest{RequestID: "r3", ChatPrompt: "hi", UserUtterance: "hi"}

	RunTurn(context.Background(), deps, req, &cancelFlag, rec.emit)

	types := rec.types()
	foundError := false
	for _, typ := range types {
		if typ == wire.TypeError {
			foundError = true
		}
	}
	if !foundError {
		t.Fatalf("expected an error frame, got %v", types)
	}
	if types[len(types)-1] != wire.TypeDone {
		t.Fatalf("last frame must be done, got %v", types)
	}
}
