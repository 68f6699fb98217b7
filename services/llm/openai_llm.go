package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatClient drives any server that exposes the OpenAI
// completions API: llama.cpp in OpenAI mode, vLLM, LM Studio, or the
// hosted service itself.
type OpenAICompatClient struct {
	client    *openai.Client
	model     string
	streamCfg StreamConfig
	logger    *slog.Logger
}

// NewOpenAICompatClient creates a client for the server at baseURL.
// An empty baseURL targets the hosted OpenAI API; otherwise "/v1" is
// appended unless already present. apiKey may be empty for local
// servers that skip auth.
func NewOpenAICompatClient(baseURL, apiKey, model string, logger *slog.Logger) (*OpenAICompatClient, error) {
	if model == "" {
		return nil, fmt.Errorf("openai-compatible backend requires a model name")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		base := strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		cfg.BaseURL = base
	}
	logger.Info("initializing openai-compatible client", "base_url", cfg.BaseURL, "model", model)
	return &OpenAICompatClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		streamCfg: DefaultStreamConfig(),
		logger:    logger,
	}, nil
}

// Complete implements the EngineClient interface.
func (o *OpenAICompatClient) Complete(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	resp, err := o.client.CreateCompletion(ctx, o.buildRequest(prompt, params, false))
	if err != nil {
		o.logger.Error("openai-compatible completion failed", "error", err)
		return "", fmt.Errorf("openai-compatible completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("engine returned no choices")
	}
	return resp.Choices[0].Text, nil
}

// CompleteStream implements the EngineClient interface.
func (o *OpenAICompatClient) CompleteStream(ctx context.Context, prompt string,
	params GenerationParams, callback StreamCallback) error {

	stream, err := o.client.CreateCompletionStream(ctx, o.buildRequest(prompt, params, true))
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	processor := NewStreamProcessor(o.streamCfg, o.logger)
	for {
		recv, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			_, procErr := processor.ProcessChunk(ctx, &StreamChunk{Done: true}, callback)
			return procErr
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = callback(StreamEvent{Type: StreamEventError, Error: recvErr.Error()})
			return fmt.Errorf("engine stream failed: %w", recvErr)
		}
		if len(recv.Choices) == 0 {
			continue
		}
		choice := recv.Choices[0]
		done, procErr := processor.ProcessChunk(ctx, &StreamChunk{
			Content: choice.Text,
			Done:    choice.FinishReason != "",
		}, callback)
		if procErr != nil {
			return procErr
		}
		if done {
			return nil
		}
	}
}

func (o *OpenAICompatClient) buildRequest(prompt string, params GenerationParams, stream bool) openai.CompletionRequest {
	req := openai.CompletionRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: stream,
	}
	if params.Temperature != nil {
		req.Temperature = float32(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = float32(*params.TopP)
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

var _ EngineClient = (*OpenAICompatClient)(nil)
