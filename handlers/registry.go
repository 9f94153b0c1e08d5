// Package handlers contains the projection handlers that turn domain
// events into MongoDB read-model writes, and the registry the processor
// dispatches through.
//
// Handlers are idempotent: the processor may invoke them more than once
// with the same event (redelivery, dedup-mark expiry) and the resulting
// store state must equal a single application.
package handlers

import (
	"context"

	"goa.design/clue/log"

	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/projection"
)

// Handler applies one event to the projection store. Handlers return an
// error to signal the processor to retry (and eventually dead-letter)
// the entry; they do not swallow store failures.
type Handler func(ctx context.Context, db projection.DB, evt *event.Event) error

// Registry maps event types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type, replacing any previous
// binding.
func (r *Registry) Register(ctx context.Context, eventType string, h Handler) {
	r.handlers[eventType] = h
	log.Debug(ctx, log.KV{K: "msg", V: "registered handler"}, log.KV{K: "event_type", V: eventType})
}

// Lookup returns the handler for an event type.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Default returns a registry with every projection handler bound to its
// event types.
func Default(ctx context.Context) *Registry {
	r := NewRegistry()

	// Account events (typed payloads).
	r.Register(ctx, "account.created.v1", HandleAccountCreated)
	r.Register(ctx, "account.updated.v1", HandleAccountUpdated)
	r.Register(ctx, "account.status_changed.v1", HandleAccountStatusChanged)
	r.Register(ctx, "account.schedule.created.v1", HandleScheduleCreated)
	r.Register(ctx, "account.schedule.updated.v1", HandleScheduleUpdated)

	// Customer events (typed payloads). created/updated/changed share
	// the merge handler.
	r.Register(ctx, "customer.changed.v1", HandleCustomerChanged)
	r.Register(ctx, "customer.created.v1", HandleCustomerChanged)
	r.Register(ctx, "customer.updated.v1", HandleCustomerChanged)
	r.Register(ctx, "customer.verified.v1", HandleCustomerVerified)

	// Conversation and chat events (raw maps).
	r.Register(ctx, "conversation_started", HandleConversationStarted)
	r.Register(ctx, "user_input", HandleUtterance)
	r.Register(ctx, "assistant_response", HandleUtterance)
	r.Register(ctx, "applicationDetail_changed", HandleApplicationDetailChanged)
	r.Register(ctx, "identityRisk_assessment", HandleAssessment)
	r.Register(ctx, "serviceability_assessment_results", HandleAssessment)
	r.Register(ctx, "fraudCheck_assessment", HandleAssessment)
	r.Register(ctx, "noticeboard_updated", HandleNoticeboardUpdated)
	r.Register(ctx, "final_decision", HandleFinalDecision)
	r.Register(ctx, "conversation_summary", HandleConversationSummary)

	// Write-off events (CRM-originated, raw maps).
	r.Register(ctx, "writeoff.requested.v1", HandleWriteOffRequested)
	r.Register(ctx, "writeoff.approved.v1", HandleWriteOffApproved)
	r.Register(ctx, "writeoff.rejected.v1", HandleWriteOffRejected)
	r.Register(ctx, "writeoff.cancelled.v1", HandleWriteOffCancelled)

	return r
}
