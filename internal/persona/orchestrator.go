// Package persona issues role-specific prompts to a chat model and parses
// structured decisions out of its free-text replies.
package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/llm"
)

const (
	// DefaultMaxAttempts is how many requests one decision may take.
	DefaultMaxAttempts = 3
	// DefaultRetryInterval is the first pause between attempts.
	DefaultRetryInterval = 500 * time.Millisecond
)

// ErrPersonaUnavailable means a decision could not be obtained after all
// attempts. Callers treat it as a terminal outcome for that phase.
var ErrPersonaUnavailable = errors.New("persona unavailable")

// Chatter sends one chat request and returns the accumulated reply.
// *llm.Client satisfies it.
type Chatter interface {
	StreamChat(ctx context.Context, messages []llm.Message) (llm.Completion, error)
}

// Options configures an Orchestrator.
type Options struct {
	Chat          Chatter
	Controller    *controlplane.Controller
	Logger        *zap.Logger
	Tracer        trace.Tracer
	MaxAttempts   int
	RetryInterval time.Duration
	FactWindow    int
	// OnReply receives every raw reply text, parsed or not.
	OnReply func(role Role, taskID, text string)
}

// Orchestrator exposes one operation per decision point of a run.
type Orchestrator struct {
	chat          Chatter
	ctrl          *controlplane.Controller
	logger        *zap.Logger
	tracer        trace.Tracer
	maxAttempts   int
	retryInterval time.Duration
	factWindow    int
	onReply       func(Role, string, string)
}

// New creates an orchestrator bound to one run controller.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/fentz26/cascade/internal/persona")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.FactWindow <= 0 {
		opts.FactWindow = DefaultFactWindow
	}
	return &Orchestrator{
		chat:          opts.Chat,
		ctrl:          opts.Controller,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		factWindow:    opts.FactWindow,
		onReply:       opts.OnReply,
	}
}

// call runs one decision: every attempt reserves a request, streams the
// reply and decodes it into out. Failed attempts are retried with a JSON
// reminder appended to the conversation.
func (o *Orchestrator) call(ctx context.Context, role Role, taskID, prompt string, out interface{}) error {
	ctx, span := o.tracer.Start(ctx, "persona."+role.String(), trace.WithAttributes(
		attribute.String("persona.role", role.String()),
		attribute.String("task.id", taskID),
	))
	defer span.End()

	schema, err := role.Schema()
	if err != nil {
		span.RecordError(err)
		return err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: role.Instruction()},
		{Role: llm.RoleUser, Content: prompt},
	}
	channel := role.Channel()
	attempt := 0

	op := func() (struct{}, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !o.ctrl.TryReserveRequest() {
			return struct{}{}, backoff.Permanent(controlplane.ErrBudgetExhausted)
		}
		if attempt > 1 {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: jsonReminder})
		}

		reply, err := o.chat.StreamChat(ctx, messages)
		if err != nil {
			o.ctrl.RecordRequest(channel, false, 0, 0)
			o.logger.Warn("persona request failed",
				zap.String("role", role.String()),
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return struct{}{}, backoff.Permanent(ctxErr)
			}
			if errors.Is(err, llm.ErrNoAPIKey) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}

		if o.onReply != nil {
			o.onReply(role, taskID, reply.Text)
		}
		perr := Decode(reply.Text, schema, out)
		o.ctrl.RecordRequest(channel, perr == nil, reply.Usage.PromptTokens, reply.Usage.CompletionTokens)
		if perr != nil {
			o.logger.Warn("persona reply not parseable",
				zap.String("role", role.String()),
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt),
				zap.Error(perr),
			)
			return struct{}{}, perr
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInterval
	b.MaxInterval = 8 * o.retryInterval

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.maxAttempts)),
	)
	span.SetAttributes(attribute.Int("persona.attempts", attempt))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, controlplane.ErrBudgetExhausted):
		o.ctrl.Log(taskID, "%s: request budget exhausted", role)
		return err
	}
	o.ctrl.Log(taskID, "%s unavailable after %d attempts: %v", role, attempt, err)
	return fmt.Errorf("%w: %s: %w", ErrPersonaUnavailable, role, err)
}
