package llm

import "context"

// GenerationParams carries per-request sampling settings. Nil fields
// mean "use the engine default"; callers that want deterministic
// behavior set every field.
//
// ContextWindow, Threads, and GPULayers are engine-start hints: the
// serving process fixes them when it loads the weights, so the HTTP
// backends cannot apply them per request and leave them off the wire.
// They ride along for engines that manage their own process lifecycle
// and so the session's full parameter set survives round trips.
type GenerationParams struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	ContextWindow *int     `json:"context_window,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Threads       *int     `json:"n_threads,omitempty"`
	GPULayers     *int     `json:"gpu_layers,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// StreamEventType discriminates events delivered to a StreamCallback.
type StreamEventType int

const (
	// StreamEventToken carries a fragment of generated text.
	StreamEventToken StreamEventType = iota

	// StreamEventError carries an engine-reported failure. The stream
	// ends after this event.
	StreamEventError
)

// StreamEvent is one unit of streaming output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in order. Returning an error
// aborts the stream; the error is propagated to the caller.
type StreamCallback func(event StreamEvent) error

// EngineClient is the interface every inference backend implements.
//
// Complete blocks until the full response is available. CompleteStream
// delivers the response incrementally through the callback and returns
// after the final chunk or the first error.
type EngineClient interface {
	Complete(ctx context.Context, prompt string, params GenerationParams) (string, error)
	CompleteStream(ctx context.Context, prompt string, params GenerationParams, callback StreamCallback) error
}
