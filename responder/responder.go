// Package responder drafts replies for emails that need one. It builds a
// bounded generation context and falls back to no draft when generation
// keeps failing.
package responder

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
)

// Section priorities; lower values are truncated first
const (
	PrioritySubject  = 100
	PrioritySender   = 90
	PriorityAnalysis = 70
	PriorityKeywords = 50
	PriorityBody     = 10
)

// Draft is the outcome of a generation attempt
type Draft struct {
	Text string

	// Degraded is set when generation failed and no draft was produced
	Degraded bool
	Cause    error
}

// Responder builds generation contexts and drafts replies
type Responder struct {
	generator triageflow.Generator
	budget    Budget
	retry     triageflow.RetryPolicy
	logger    zerolog.Logger
}

// Option configures a Responder
type Option func(*Responder)

// WithBudget sets the context budget
func WithBudget(b Budget) Option {
	return func(r *Responder) { r.budget = b }
}

// WithRetryPolicy sets the generation retry policy
func WithRetryPolicy(p triageflow.RetryPolicy) Option {
	return func(r *Responder) { r.retry = p }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Responder) { r.logger = logger }
}

// New creates a responder around a generation service
func New(generator triageflow.Generator, opts ...Option) *Responder {
	r := &Responder{
		generator: generator,
		budget:    DefaultBudget,
		retry:     triageflow.DefaultRetryPolicy,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildContext assembles the bounded payload sent to the generation service
func (r *Responder) BuildContext(state triageflow.WorkflowState) triageflow.GenerationContext {
	body := state.Email.Body
	var keywords []string
	if state.Context != nil {
		if state.Context.Excerpt != "" {
			body = state.Context.Excerpt
		}
		keywords = state.Context.Keywords
	}

	sections := []triageflow.ContextSection{
		{Name: "subject", Content: state.Email.Subject, Priority: PrioritySubject},
		{Name: "sender", Content: state.Email.Sender, Priority: PrioritySender},
		{Name: "analysis", Content: analysis(state), Priority: PriorityAnalysis},
	}
	if len(keywords) > 0 {
		sections = append(sections, triageflow.ContextSection{
			Name: "keywords", Content: strings.Join(keywords, ", "), Priority: PriorityKeywords,
		})
	}
	sections = append(sections, triageflow.ContextSection{Name: "body", Content: body, Priority: PriorityBody})

	metadata := map[string]string{"email_id": state.EmailID}
	if state.Email.ThreadRef != "" {
		metadata["thread_ref"] = state.Email.ThreadRef
	}

	return triageflow.GenerationContext{
		InstanceID: state.InstanceID,
		Sections:   r.budget.Fit(sections),
		Metadata:   metadata,
	}
}

// Draft generates a reply. When every attempt fails the result is a
// degraded Draft and a nil error, so the instance continues without a
// draft. Only cancellation of ctx is returned as an error.
func (r *Responder) Draft(ctx context.Context, state triageflow.WorkflowState) (Draft, error) {
	logger := triageflow.InstanceLogger(r.logger, state.InstanceID, state.EmailID)
	gc := r.BuildContext(state)

	var text string
	_, err := triageflow.Retry(ctx, r.retry, logger, func(ctx context.Context, _ int) error {
		out, err := r.generator.Generate(ctx, gc)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "generation returned an empty draft")
		}
		text = out
		return nil
	})
	if err == nil {
		return Draft{Text: text}, nil
	}
	if ctx.Err() != nil {
		return Draft{}, ctx.Err()
	}

	triageflow.LogDegradedMode(logger, state.InstanceID, "generate_response", err)
	return Draft{Degraded: true, Cause: err}, nil
}

func analysis(state triageflow.WorkflowState) string {
	var b strings.Builder
	b.WriteString("classification=")
	b.WriteString(state.Classification)
	b.WriteString(" priority=")
	b.WriteString(strconv.Itoa(state.PriorityScore))
	if state.Urgent {
		b.WriteString(" urgent")
	}
	return b.String()
}
