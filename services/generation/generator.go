// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generation runs one question-and-answer turn against the
// inference engine and commits the outcome to the chat transcript.
//
// Every streamed turn moves through the same states: the question is
// recorded, the model artifact is located, the transcript becomes one
// prompt, fragments flow to the caller as produced, and exactly one
// terminal event closes the turn. On success the concatenated
// fragments are committed as a single assistant message; on any
// failure the error text is committed as a single system diagnostic
// instead, because the transcript is the only durable record of what
// happened to the turn.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/models"
)

var tracer = otel.Tracer("kodiak.generation")

// ErrGenerationFailure marks an engine-path failure: the inference
// call itself, fragment delivery, or the answer buffer.
var ErrGenerationFailure = errors.New("generation failed")

// Config sizes the orchestrator.
type Config struct {
	// EngineSlots bounds process-wide concurrent generations. The
	// local engine degrades badly past its slot count, so extra
	// requests queue on the semaphore instead.
	EngineSlots int64
}

// DefaultConfig matches a single-engine deployment.
func DefaultConfig() Config {
	return Config{EngineSlots: 1}
}

// Orchestrator drives generation turns. It holds the per-chat lock
// table shared with transcript truncation and a weighted semaphore
// for engine slots.
type Orchestrator struct {
	engine  llm.EngineClient
	library *models.Library
	history *chats.History
	locks   *chats.Locks
	slots   *semaphore.Weighted
	logger  *slog.Logger

	// newAccumulator is swapped in tests to sidestep mlock limits.
	newAccumulator func() (Accumulator, error)
}

// NewOrchestrator creates an Orchestrator. Panics on nil dependencies
// (programming errors); logger may be nil.
func NewOrchestrator(
	engine llm.EngineClient,
	library *models.Library,
	history *chats.History,
	locks *chats.Locks,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if engine == nil {
		panic("NewOrchestrator: engine must not be nil")
	}
	if library == nil {
		panic("NewOrchestrator: library must not be nil")
	}
	if history == nil {
		panic("NewOrchestrator: history must not be nil")
	}
	if locks == nil {
		panic("NewOrchestrator: locks must not be nil")
	}
	if cfg.EngineSlots <= 0 {
		cfg.EngineSlots = DefaultConfig().EngineSlots
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:         engine,
		library:        library,
		history:        history,
		locks:          locks,
		slots:          semaphore.NewWeighted(cfg.EngineSlots),
		logger:         logger,
		newAccumulator: NewAccumulator,
	}
}

// Stream runs one generation turn, delivering events to sink.
//
// An empty question regenerates from the existing transcript without
// recording a new human turn. When the chat is already bound to a
// generation or truncation, Stream returns ErrConflict before
// touching the sink; once the turn begins, the sink receives its
// fragments and then exactly one terminal event, success or not.
func (o *Orchestrator) Stream(ctx context.Context, session *chats.Session, question string, sink EventSink) error {
	if session == nil {
		return fmt.Errorf("generation: session is nil")
	}
	if sink == nil {
		return fmt.Errorf("generation: sink is nil")
	}

	if !o.locks.TryLock(session.ID) {
		return fmt.Errorf("%w: chat %s is already generating", chats.ErrConflict, session.ID)
	}
	defer o.locks.Unlock(session.ID)

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire engine slot: %w", err)
	}
	defer o.slots.Release(1)

	return o.run(ctx, session, question, sink)
}

// run is the locked turn body. The deferred block is the only place
// terminal events and terminal transcript writes happen, so every
// path out of this function produces exactly one of each.
func (o *Orchestrator) run(ctx context.Context, session *chats.Session, question string, sink EventSink) (err error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", session.ID),
		attribute.String("chat.model", session.Params.Model),
	)

	// Transcript commits survive a caller that hung up mid-stream;
	// the transcript is what the caller reads after reconnecting.
	persistCtx := context.WithoutCancel(ctx)

	committed := false
	defer func() {
		if committed {
			if sinkErr := sink.Closed(); sinkErr != nil {
				o.logger.Debug("close event not delivered", "chat_id", session.ID, "error", sinkErr)
			}
			return
		}
		diagnostic := "generation failed"
		if err != nil {
			diagnostic = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if appendErr := o.history.Append(persistCtx, session.ID, chats.Message{Role: chats.RoleSystem, Content: diagnostic}); appendErr != nil {
			o.logger.Error("generation failure not recorded in transcript",
				"chat_id", session.ID, "error", appendErr)
		}
		if sinkErr := sink.Failed(diagnostic); sinkErr != nil {
			o.logger.Debug("error event not delivered", "chat_id", session.ID, "error", sinkErr)
		}
	}()

	prompt, err := o.prepare(ctx, session, question)
	if err != nil {
		return err
	}

	acc, err := o.newAccumulator()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}
	defer acc.Destroy()

	callback := func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken {
			return nil
		}
		if writeErr := acc.Write(event.Content); writeErr != nil {
			return writeErr
		}
		if sinkErr := sink.Fragment(event.Content); sinkErr != nil {
			return fmt.Errorf("deliver fragment: %w", sinkErr)
		}
		return nil
	}
	if streamErr := o.engine.CompleteStream(ctx, prompt, engineParams(session.Params), callback); streamErr != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailure, streamErr)
	}

	answer, digest, finErr := acc.Finalize()
	if finErr != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailure, finErr)
	}
	if commitErr := o.history.Append(persistCtx, session.ID, chats.Message{Role: chats.RoleAI, Content: answer}); commitErr != nil {
		return fmt.Errorf("commit answer: %w", commitErr)
	}

	span.SetAttributes(
		attribute.Int("generation.answer_bytes", len(answer)),
		attribute.String("generation.answer_sha256", digest),
	)
	committed = true
	return nil
}

// Ask is the blocking variant: same transitions as Stream, whole
// answer in one return. Failures are committed to the transcript the
// same way before the error comes back.
func (o *Orchestrator) Ask(ctx context.Context, session *chats.Session, question string) (string, error) {
	if session == nil {
		return "", fmt.Errorf("generation: session is nil")
	}

	if !o.locks.TryLock(session.ID) {
		return "", fmt.Errorf("%w: chat %s is already generating", chats.ErrConflict, session.ID)
	}
	defer o.locks.Unlock(session.ID)

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire engine slot: %w", err)
	}
	defer o.slots.Release(1)

	ctx, span := tracer.Start(ctx, "Orchestrator.Ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", session.ID),
		attribute.String("chat.model", session.Params.Model),
	)
	persistCtx := context.WithoutCancel(ctx)

	answer, err := o.ask(ctx, session, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if appendErr := o.history.Append(persistCtx, session.ID, chats.Message{Role: chats.RoleSystem, Content: err.Error()}); appendErr != nil {
			o.logger.Error("generation failure not recorded in transcript",
				"chat_id", session.ID, "error", appendErr)
		}
		return "", err
	}

	if commitErr := o.history.Append(persistCtx, session.ID, chats.Message{Role: chats.RoleAI, Content: answer}); commitErr != nil {
		return "", fmt.Errorf("commit answer: %w", commitErr)
	}
	span.SetAttributes(attribute.Int("generation.answer_bytes", len(answer)))
	return answer, nil
}

func (o *Orchestrator) ask(ctx context.Context, session *chats.Session, question string) (string, error) {
	prompt, err := o.prepare(ctx, session, question)
	if err != nil {
		return "", err
	}
	answer, err := o.engine.Complete(ctx, prompt, engineParams(session.Params))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}
	return answer, nil
}

// prepare records the question, gates on the model artifact, and
// assembles the prompt.
func (o *Orchestrator) prepare(ctx context.Context, session *chats.Session, question string) (string, error) {
	if question != "" {
		if err := o.history.Append(ctx, session.ID, chats.Message{Role: chats.RoleHuman, Content: question}); err != nil {
			return "", fmt.Errorf("record question: %w", err)
		}
	}

	if _, err := o.library.Resolve(session.Params.Model); err != nil {
		return "", err
	}

	messages, err := o.history.ReadAll(ctx, session.ID)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return BuildPrompt(messages)
}

// engineParams maps the session's immutable parameters onto the
// engine request. Every field is set explicitly; the engine's own
// sampling defaults never apply to a chat turn. ContextWindow,
// Threads, and GPULayers are start hints the HTTP backends do not
// transmit (see llm.GenerationParams).
func engineParams(p chats.Parameters) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature:   &p.Temperature,
		TopK:          &p.TopK,
		TopP:          &p.TopP,
		MaxTokens:     &p.MaxLength,
		ContextWindow: &p.ContextWindow,
		RepeatLastN:   &p.RepeatLastN,
		RepeatPenalty: &p.RepeatPenalty,
		Threads:       &p.Threads,
		GPULayers:     &p.GPULayers,
	}
}
