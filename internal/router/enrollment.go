package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/christopherjohns/consultsync/internal/broadcast"
	"github.com/christopherjohns/consultsync/internal/enrollment"
	"github.com/christopherjohns/consultsync/internal/event"
	"github.com/christopherjohns/consultsync/internal/session"
)

// Names used when the catalog cannot resolve a product.
const (
	fallbackProductName = "상품 가입"
	fallbackProductType = "일반"
)

// startEnrollment resolves the product and its forms and broadcasts the
// resulting state. Lookup failures fall back to the default form set.
func (r *Router) startEnrollment(ctx context.Context, o Origin, ev event.Event, p event.EnrollmentPayload) {
	product := enrollment.Product{
		ID:         enrollment.NormalizeProductID(p.ProductID),
		Name:       fallbackProductName,
		Type:       p.ProductType,
		CustomerID: p.CustomerID,
	}
	if product.Type == "" {
		product.Type = fallbackProductType
	}

	forms := r.resolveForms(ctx, &product)
	ctx, cancel := deliverContext()
	defer cancel()

	st, err := r.reg.StartEnrollment(ev.SessionID, product, forms)
	if err != nil {
		r.validation.Add(1)
		slog.Warn("router: enrollment not started", "session_id", ev.SessionID, "product_id", product.ID, "error", err)
		env := event.NewEnvelope(event.TypeEnrollmentError, map[string]any{
			"productId": p.ProductID,
			"error":     err.Error(),
		})
		r.send(ctx, broadcast.ToReply(ev.SessionID, ev.OriginID, o.Reply), env)
		return
	}
	if st.Fallback {
		slog.Info("router: enrollment started with default forms", "session_id", ev.SessionID, "product_id", st.ProductID)
	}

	env := event.NewEnvelope(event.TypeProductEnrollment, st.StartView())
	env.Action = "start_enrollment"
	r.broadcast(ctx, ev.SessionID, env)
}

// resolveForms fills product from the catalog and returns its forms. A nil
// result means the default set will be used.
func (r *Router) resolveForms(ctx context.Context, product *enrollment.Product) []enrollment.FormDescriptor {
	if r.catalog == nil {
		return nil
	}
	found, err := r.catalog.Product(ctx, product.ID)
	if err != nil {
		r.resolution.Add(1)
		slog.Warn("router: product lookup failed", "product_id", product.ID,
			"error", &event.ResolutionError{Resource: "product", Key: product.ID, Err: err})
		return nil
	}
	product.ID = found.ID
	if found.Name != "" {
		product.Name = found.Name
	}
	if found.Type != "" {
		product.Type = found.Type
	}

	forms, err := r.catalog.Forms(ctx, product.ID, product.Type)
	if err != nil {
		r.resolution.Add(1)
		slog.Warn("router: form lookup failed", "product_id", product.ID,
			"error", &event.ResolutionError{Resource: "forms", Key: product.ID, Err: err})
		return nil
	}
	if len(forms) == 0 {
		r.resolution.Add(1)
		slog.Warn("router: product has no forms", "product_id", product.ID)
	}
	return forms
}

// navigate moves the server-side cursor. The client's own index is ignored
// and the resulting state is broadcast even when clamped.
func (r *Router) navigate(ctx context.Context, ev event.Event, p event.NavigationPayload) error {
	dir, err := enrollment.ParseDirection(p.Direction)
	if err != nil {
		return &event.ValidationError{Type: ev.Type, Field: "direction", Err: err}
	}
	return r.inOrder(ctx, ev.SessionID, ev.Type, func(ctx context.Context) error {
		return r.advance(ctx, ev, p, dir)
	})
}

func (r *Router) advance(ctx context.Context, ev event.Event, p event.NavigationPayload, dir enrollment.Direction) error {
	st, err := r.reg.AdvanceForm(ev.SessionID, dir)
	if err != nil {
		return &event.ResolutionError{Resource: "enrollment", Key: ev.SessionID, Err: err}
	}
	if p.CurrentIndex != st.CurrentFormIndex {
		slog.Debug("router: client form index corrected", "session_id", ev.SessionID, "client", p.CurrentIndex, "server", st.CurrentFormIndex)
	}
	r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeFormNavigation, st.NavigationView()))
	return nil
}

// CompleteEnrollment marks the session's enrollment as submitted and
// broadcasts the final state. It waits for enrollment events of the session
// that are still queued.
func (r *Router) CompleteEnrollment(ctx context.Context, sessionID string) (enrollment.State, error) {
	var st enrollment.State
	err := r.inOrderWait(ctx, sessionID, event.TypeEnrollmentComplete, func(ctx context.Context) error {
		var err error
		st, err = r.completeEnrollment(ctx, sessionID)
		return err
	})
	if err != nil {
		return enrollment.State{}, err
	}
	return st, nil
}

func (r *Router) completeEnrollment(ctx context.Context, sessionID string) (enrollment.State, error) {
	st, err := r.reg.CompleteEnrollment(sessionID)
	if err != nil {
		return st, &event.ResolutionError{Resource: "enrollment", Key: sessionID, Err: err}
	}
	env := event.NewEnvelope(event.TypeEnrollmentComplete, st.NavigationView())
	env.Action = "complete_enrollment"
	r.broadcast(ctx, sessionID, env)
	slog.Info("router: enrollment completed", "session_id", sessionID, "product_id", st.ProductID)
	return st, nil
}

// enrollmentState re-sends the current enrollment to a reconnecting client.
func (r *Router) enrollmentState(ctx context.Context, o Origin, ev event.Event) error {
	target := broadcast.ToReply(ev.SessionID, ev.OriginID, o.Reply)
	st, ok := r.reg.Enrollment(ev.SessionID)
	if !ok {
		r.send(ctx, target, event.NewEnvelope(event.TypeEnrollmentState, map[string]any{
			"phase": enrollment.PhaseNotStarted,
		}))
		return nil
	}
	env := event.NewEnvelope(event.TypeEnrollmentState, st.StartView())
	env.Action = "sync_enrollment"
	env.Extra = map[string]any{"navigation": st.NavigationView()}
	r.send(ctx, target, env)
	return nil
}

// IsNoEnrollment reports whether err means the session has no enrollment.
func IsNoEnrollment(err error) bool {
	return errors.Is(err, session.ErrNoEnrollment)
}
