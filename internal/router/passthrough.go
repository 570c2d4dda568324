package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/christopherjohns/consultsync/internal/broadcast"
	"github.com/christopherjohns/consultsync/internal/event"
)

const connectionOKMessage = "연결이 정상적으로 작동 중입니다."

// relay describes a directed one-way message.
type relay struct {
	out    event.Type
	source string
	toward broadcast.Scope
}

var relays = map[event.Type]relay{
	event.TypeClientToTablet: {out: event.TypeClientMessage, source: "client", toward: broadcast.ScopeTablet},
	event.TypeWebToTablet:    {out: event.TypeWebMessage, source: "web", toward: broadcast.ScopeTablet},
	event.TypeTabletToClient: {out: event.TypeTabletMessage, source: "tablet", toward: broadcast.ScopeEmployee},
}

// passThrough forwards events that do not touch session state.
func (r *Router) passThrough(ctx context.Context, ev event.Event) error {
	now := time.Now().UnixMilli()

	switch p := ev.Payload.(type) {
	case event.CustomerPayload:
		env := event.NewEnvelope(event.TypeCustomerSelected, p.Customer)
		env.Extra = map[string]any{"customerData": p.Customer}
		r.broadcast(ctx, ev.SessionID, env)

	case event.ScreenPayload:
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeScreenUpdated, p.Screen))

	case event.HighlightPayload:
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeScreenHighlight, withTimestamp(p.Data, now)))

	case event.DescriptionPayload:
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeProductDescription, map[string]any{
			"product":     p.Product,
			"currentPage": p.CurrentPage,
			"totalPages":  p.TotalPages,
			"timestamp":   now,
		}))

	case event.DataPayload:
		switch ev.Type {
		case event.TypeCustomerInfoUpdate:
			r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeCustomerInfoUpdated, p.Data))
		default:
			r.broadcast(ctx, ev.SessionID, event.NewEnvelope(ev.Type, withTimestamp(p.Data, now)))
		}

	case event.FieldFocusPayload:
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeFieldFocus, withTimestamp(p.Field, now)))

	case event.FieldInputPayload:
		r.fieldInput(ctx, ev, p)

	case event.FormDataPayload:
		env := event.NewEnvelope(event.TypeFormDataUpdated, map[string]any{
			"formType": p.FormType,
			"formData": p.FormData,
		})
		env.Extra = map[string]any{"formType": p.FormType, "formData": p.FormData}
		r.broadcast(ctx, ev.SessionID, env)

	case event.MessagePayload:
		r.message(ctx, ev, p)

	case event.RelayPayload:
		rl := relays[ev.Type]
		env := event.NewEnvelope(rl.out, p.Data)
		env.MessageType = p.MessageType
		env.Source = rl.source
		r.send(ctx, broadcast.Target{SessionID: ev.SessionID, Scope: rl.toward, ExcludeID: ev.OriginID}, env)

	case event.ConnectionTestPayload:
		env := event.NewEnvelope(event.TypeConnectionTestResponse, map[string]any{
			"clientType": p.ClientType,
			"message":    connectionOKMessage,
		})
		env.Extra = map[string]any{"clientType": p.ClientType, "message": connectionOKMessage}
		r.broadcast(ctx, ev.SessionID, env)

	case event.EmptyPayload:
		// product-description-close
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(ev.Type, map[string]any{"sessionId": ev.SessionID}))

	case event.OpaquePayload:
		slog.Debug("router: forwarding unknown event", "type", ev.Type, "session_id", ev.SessionID)
		data, ok := p.Fields["data"]
		if !ok {
			data = p.Fields
		}
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(ev.Type, data))

	default:
		slog.Warn("router: no handler", "type", ev.Type, "session_id", ev.SessionID)
	}
	return nil
}

// fieldInput forwards a completed field in the current flat shape, whichever
// shape it arrived in.
func (r *Router) fieldInput(ctx context.Context, ev event.Event, p event.FieldInputPayload) {
	fields := map[string]any{
		"fieldId":    p.FieldID,
		"fieldValue": p.FieldValue,
		"fieldLabel": p.FieldLabel,
	}
	if p.FormID != "" {
		fields["formId"] = p.FormID
	}
	if p.FieldType != "" {
		fields["fieldType"] = p.FieldType
	}
	env := event.NewEnvelope(event.TypeFieldInputCompleted, fields)
	env.Extra = fields
	r.broadcast(ctx, ev.SessionID, env)
}

// message handles the generic send-* family, where the inner message type
// becomes the outbound type.
func (r *Router) message(ctx context.Context, ev event.Event, p event.MessagePayload) {
	kind := event.Type(p.MessageType)
	if kind == "" {
		kind = ev.Type
	}
	env := event.NewEnvelope(kind, p.Data)

	switch ev.Type {
	case event.TypeSendToEmployee:
		env.Source = ev.OriginRole
		r.send(ctx, broadcast.ToEmployee(ev.SessionID, ev.OriginID), env)
		return
	case event.TypeSendToSession:
		if p.MessageType == customerInfoDisplay {
			if flat, ok := flattenCustomerInfo(p.Data); ok {
				env.Data = flat
				env.Action = "show_customer_info"
				slog.Info("router: customer info sent to tablet", "session_id", ev.SessionID)
			}
		}
	}
	r.broadcast(ctx, ev.SessionID, env)
}

// productDetail broadcasts a normalized product. When the product carries an
// id and type, forms are looked up first, off the caller's goroutine.
func (r *Router) productDetail(ctx context.Context, ev event.Event, p event.ProductPayload) error {
	product := normalizeProduct(p.Product)
	id := event.AsString(product["productId"])
	kind := event.AsString(product["productType"])
	if r.catalog == nil || id == "" || kind == "" {
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeProductVisualizationSync, product))
		return nil
	}

	r.spawn(ev.Type, func(ctx context.Context) {
		forms, err := r.catalog.Forms(ctx, id, kind)
		if err != nil {
			r.resolution.Add(1)
			slog.Warn("router: product form enrichment failed", "product_id", id,
				"error", &event.ResolutionError{Resource: "forms", Key: id, Err: err})
		} else {
			product["forms"] = forms
		}
		ctx, cancel := deliverContext()
		defer cancel()
		r.broadcast(ctx, ev.SessionID, event.NewEnvelope(event.TypeProductVisualizationSync, product))
	})
	return nil
}

func withTimestamp(data map[string]any, now int64) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["timestamp"] = now
	return out
}
