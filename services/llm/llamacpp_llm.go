package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kodiak.llm.llamacpp")

// LlamaCppClient talks to a llama.cpp server over its native HTTP API.
//
// Streaming responses arrive as server-sent events, one JSON chunk per
// "data:" line; some builds emit bare NDJSON instead, and both are
// accepted. The final chunk carries "stop": true.
type LlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
	streamCfg  StreamConfig
	logger     *slog.Logger
}

// llamaCompletionRequest is the /completion request payload. Nil
// sampling fields are omitted so the engine applies its own defaults.
type llamaCompletionRequest struct {
	Prompt        string   `json:"prompt"`
	Stream        bool     `json:"stream"`
	NPredict      int      `json:"n_predict,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type llamaStreamChunk struct {
	Content         string          `json:"content"`
	Stop            bool            `json:"stop"`
	TokensPredicted int             `json:"tokens_predicted"`
	Error           json.RawMessage `json:"error,omitempty"`
}

// errorText normalizes the engine's error field, which is a plain
// string in older builds and an object with a message in newer ones.
func (c *llamaStreamChunk) errorText() string {
	if len(c.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(c.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(c.Error)
}

// NewLlamaCppClient creates a client for the llama.cpp server at
// baseURL. logger may be nil.
func NewLlamaCppClient(baseURL string, logger *slog.Logger) (*LlamaCppClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llama.cpp base URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		streamCfg:  DefaultStreamConfig(),
		logger:     logger,
	}, nil
}

// Complete implements the EngineClient interface.
func (l *LlamaCppClient) Complete(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "LlamaCppClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.prompt_bytes", len(prompt)))

	payload := buildCompletionRequest(prompt, params, false)
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("engine completion call failed", "error", err)
		return "", fmt.Errorf("engine completion call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		l.logger.Error("engine returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return "", fmt.Errorf("engine completion failed with status %d: %s", resp.StatusCode, engineErrorText(respBody))
	}

	var chunk llamaStreamChunk
	if err := json.Unmarshal(respBody, &chunk); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("parse engine response: %w", err)
	}
	span.SetAttributes(attribute.Int("llm.tokens_predicted", chunk.TokensPredicted))
	return chunk.Content, nil
}

// CompleteStream implements the EngineClient interface using the
// default stream configuration.
func (l *LlamaCppClient) CompleteStream(ctx context.Context, prompt string,
	params GenerationParams, callback StreamCallback) error {
	return l.CompleteStreamWithConfig(ctx, prompt, params, callback, l.streamCfg)
}

// CompleteStreamWithConfig streams a completion, decoding each wire
// chunk and handing it to a StreamProcessor built from cfg.
func (l *LlamaCppClient) CompleteStreamWithConfig(ctx context.Context, prompt string,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "LlamaCppClient.CompleteStream")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.prompt_bytes", len(prompt)))

	payload := buildCompletionRequest(prompt, params, true)
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("engine completion call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		l.logger.Error("engine returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fmt.Errorf("engine completion failed with status %d: %s", resp.StatusCode, engineErrorText(respBody))
	}

	processor := NewStreamProcessor(cfg, l.logger)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		chunk, parseErr := l.parseStreamLine(line)
		if parseErr != nil {
			l.logger.Warn("skipping malformed stream line", "error", parseErr)
			continue
		}

		done, procErr := processor.ProcessChunk(ctx, chunk, callback)
		if procErr != nil {
			span.RecordError(procErr)
			span.SetStatus(codes.Error, procErr.Error())
			return procErr
		}
		if done {
			span.SetAttributes(attribute.Int("llm.token_events", processor.GetTokenCount()))
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("read engine stream: %w", err)
	}

	// Connection closed without an explicit stop chunk. Treat as a
	// complete stream; everything received was already delivered.
	span.SetAttributes(attribute.Int("llm.token_events", processor.GetTokenCount()))
	return nil
}

// Health checks the engine's /health endpoint.
func (l *LlamaCppClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// parseStreamLine decodes one wire line into a backend-neutral chunk.
func (l *LlamaCppClient) parseStreamLine(line []byte) (*StreamChunk, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("empty stream line")
	}
	var chunk llamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("parse stream line: %w", err)
	}
	return &StreamChunk{
		Content: chunk.Content,
		Done:    chunk.Stop,
		Err:     chunk.errorText(),
	}, nil
}

func buildCompletionRequest(prompt string, params GenerationParams, stream bool) llamaCompletionRequest {
	req := llamaCompletionRequest{
		Prompt:        prompt,
		Stream:        stream,
		Temperature:   params.Temperature,
		TopK:          params.TopK,
		TopP:          params.TopP,
		RepeatLastN:   params.RepeatLastN,
		RepeatPenalty: params.RepeatPenalty,
		Stop:          params.Stop,
		CachePrompt:   true,
	}
	if params.MaxTokens != nil {
		req.NPredict = *params.MaxTokens
	}
	return req
}

// engineErrorText extracts a readable message from an error response
// body, tolerating both the bare-string and object error shapes.
func engineErrorText(body []byte) string {
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Error) > 0 {
		var s string
		if json.Unmarshal(wrapped.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(wrapped.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return string(bytes.TrimSpace(body))
}

var _ EngineClient = (*LlamaCppClient)(nil)
