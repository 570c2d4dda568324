package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/christopherjohns/consultsync/internal/event"
	"github.com/christopherjohns/consultsync/internal/recommend"
)

const (
	defaultCustomerName    = "고객님"
	recommendationErrorMsg = "추천 처리 중 오류가 발생했습니다."
)

// recommend calls the pipeline and broadcasts exactly one of
// ai-recommendations or recommendation_error.
func (r *Router) recommend(ctx context.Context, ev event.Event, p event.RecommendationPayload) {
	res, err := r.callPipeline(ctx, recommend.Request{
		SessionID:  ev.SessionID,
		CustomerID: p.CustomerID,
		Transcript: p.Transcript,
		Intent:     p.Intent,
	})
	name := defaultCustomerName
	if err == nil {
		name = r.customerName(ctx, p.CustomerID)
	}

	ctx, cancel := deliverContext()
	defer cancel()
	if err != nil {
		r.downstream.Add(1)
		slog.Error("router: recommendation failed", "session_id", ev.SessionID, "customer_id", p.CustomerID, "error", err)
		env := event.NewEnvelope(event.TypeRecommendationError, map[string]any{
			"customerId": p.CustomerID,
			"error":      recommendationErrorMsg,
		})
		env.Extra = map[string]any{"error": recommendationErrorMsg}
		r.broadcast(ctx, ev.SessionID, env)
		return
	}

	intent := res.Intent
	if intent == "" {
		intent = p.Intent
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	env := event.NewEnvelope(event.TypeAIRecommendations, map[string]any{
		"sessionId":       ev.SessionID,
		"customerId":      p.CustomerID,
		"customerName":    name,
		"intent":          intent,
		"confidence":      res.Confidence,
		"recommendations": res.Recommendations,
		"timestamp":       ts.UnixMilli(),
	})
	env.Extra = map[string]any{"customerId": p.CustomerID}
	r.broadcast(ctx, ev.SessionID, env)
}

// callPipeline converts a missing pipeline, an error or a panic into a
// DownstreamError.
func (r *Router) callPipeline(ctx context.Context, req recommend.Request) (res recommend.Result, err error) {
	if r.pipeline == nil {
		return res, &event.DownstreamError{Service: "recommendation", Err: ErrNotConfigured}
	}
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			err = &event.DownstreamError{Service: "recommendation", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	res, err = r.pipeline.Recommend(ctx, req)
	if err != nil {
		return res, &event.DownstreamError{Service: "recommendation", Err: err}
	}
	return res, nil
}

func (r *Router) customerName(ctx context.Context, customerID string) string {
	if r.customers == nil {
		return defaultCustomerName
	}
	name, err := r.customers.CustomerName(ctx, customerID)
	if err != nil || name == "" {
		if err != nil {
			slog.Debug("router: customer name lookup failed", "customer_id", customerID, "error", err)
		}
		return defaultCustomerName
	}
	return name
}
