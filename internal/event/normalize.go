package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candidate keys per logical field, first present wins.
var (
	kindKeys        = []string{"event", "eventType", "event_type", "destination"}
	sessionIDKeys   = []string{"sessionId", "session_id", "sessionID", "SessionId"}
	userTypeKeys    = []string{"userType", "user_type", "role", "clientType"}
	userIDKeys      = []string{"userId", "user_id", "participantId", "participant_id"}
	customerKeys    = []string{"customerData", "customer_data", "customer", "data"}
	productKeys     = []string{"productData", "product_data", "product", "data"}
	screenKeys      = []string{"screenData", "screen_data", "screen", "data"}
	productIDKeys   = []string{"productId", "product_id", "productID", "ProductId"}
	productTypeKeys = []string{"productType", "product_type"}
	customerIDKeys  = []string{"customerId", "customer_id", "customerID", "CustomerID"}
	directionKeys   = []string{"direction", "dir"}
	indexKeys       = []string{"currentIndex", "current_index", "currentFormIndex", "formIndex"}
	fieldIDKeys     = []string{"fieldId", "field_id", "fieldID"}
	fieldValueKeys  = []string{"fieldValue", "field_value", "value"}
	fieldLabelKeys  = []string{"fieldLabel", "field_label", "fieldName", "field_name"}
	fieldTypeKeys   = []string{"fieldType", "field_type"}
	formIDKeys      = []string{"formId", "form_id", "formID"}
	messageTypeKeys = []string{"messageType", "message_type"}
)

// focusFields are copied into a field-focus payload when present.
var focusFields = []struct {
	key        string
	candidates []string
}{
	{"fieldId", fieldIDKeys},
	{"fieldName", []string{"fieldName", "field_name"}},
	{"fieldLabel", []string{"fieldLabel", "field_label"}},
	{"fieldType", fieldTypeKeys},
	{"fieldPlaceholder", []string{"fieldPlaceholder", "field_placeholder", "placeholder"}},
	{"formIndex", []string{"formIndex", "form_index"}},
	{"formName", []string{"formName", "form_name"}},
}

// DefaultFieldLabel is used when a legacy field-input event has no label.
const DefaultFieldLabel = "알 수 없는 필드"

var knownTypes = map[Type]struct{}{}

func init() {
	for _, t := range []Type{
		TypeJoinSession, TypeCustomerSelected, TypeCustomerInfoUpdate,
		TypeProductDetailSync, TypeScreenSync, TypeScreenHighlight,
		TypeProductDescription, TypeProductSimulation, TypeProductDescriptionClose,
		TypeProductEnrollment, TypeFormNavigation, TypeEnrollmentComplete,
		TypeEnrollmentState, TypeFieldFocus, TypeFieldInputCompleted,
		TypeFieldInputComplete, TypeFormData, TypeSendToSession, TypeSendMessage,
		TypeSendToEmployee, TypeClientToTablet, TypeTabletToClient, TypeWebToTablet,
		TypeRequestRecommendation, TypeTestConnection,
	} {
		knownTypes[t] = struct{}{}
	}
}

// Decode parses a JSON object and normalizes it.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Event{}, &ValidationError{Field: "body", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if raw == nil {
		return Event{}, &ValidationError{Field: "body", Err: ErrMalformed}
	}
	return Normalize(raw)
}

// Normalize converts an inbound body into a canonical Event. The input map
// is not modified.
func Normalize(raw map[string]any) (Event, error) {
	raw = cloneMap(raw)

	kind, explicit := resolveType(raw)
	if kind == "" {
		return Event{}, &ValidationError{Field: "type", Err: ErrMissingType}
	}

	sessionID := strings.TrimSpace(stringField(raw, sessionIDKeys...))
	if sessionID == "" {
		return Event{}, &ValidationError{Type: kind, Field: "sessionId", Err: ErrMissingSessionID}
	}

	payload, err := buildPayload(kind, explicit, raw)
	if err != nil {
		return Event{}, err
	}

	return Event{
		SessionID: sessionID,
		Type:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		Raw:       raw,
	}, nil
}

// resolveType returns the event kind and whether it came from a key other
// than "type" (in which case "type" is an inner message type).
func resolveType(raw map[string]any) (Type, bool) {
	for _, k := range kindKeys {
		if s, ok := raw[k].(string); ok && strings.TrimSpace(s) != "" {
			return canonicalType(strings.TrimPrefix(strings.TrimSpace(s), "/app/")), true
		}
	}
	if s, ok := raw["type"].(string); ok && strings.TrimSpace(s) != "" {
		return canonicalType(strings.TrimSpace(s)), false
	}
	return "", false
}

// canonicalType maps snake_case or mixed-case spellings onto a known type.
// Unknown names are kept as sent.
func canonicalType(s string) Type {
	if _, ok := knownTypes[Type(s)]; ok {
		return Type(s)
	}
	alt := Type(strings.ReplaceAll(strings.ToLower(s), "_", "-"))
	if _, ok := knownTypes[alt]; ok {
		return alt
	}
	return Type(s)
}

func buildPayload(kind Type, explicit bool, raw map[string]any) (Payload, error) {
	switch kind {
	case TypeJoinSession:
		return JoinPayload{
			UserType: stringField(raw, userTypeKeys...),
			UserID:   stringField(raw, userIDKeys...),
		}, nil

	case TypeCustomerSelected:
		return CustomerPayload{Customer: mapField(raw, customerKeys...)}, nil

	case TypeCustomerInfoUpdate:
		return DataPayload{Data: raw}, nil

	case TypeProductDetailSync:
		return ProductPayload{Product: mapField(raw, productKeys...)}, nil

	case TypeScreenSync:
		v, _ := lookup(raw, screenKeys...)
		return ScreenPayload{Screen: v}, nil

	case TypeScreenHighlight:
		if data := mapField(raw, "data"); data != nil {
			return HighlightPayload{Data: data}, nil
		}
		elementID, ok := lookup(raw, "elementId", "element_id")
		if !ok {
			return nil, &ValidationError{Type: kind, Field: "data", Err: ErrMissingField}
		}
		highlightType, _ := lookup(raw, "highlightType", "highlight_type")
		color, _ := lookup(raw, "color", "colour")
		return HighlightPayload{Data: map[string]any{
			"elementId":     elementID,
			"highlightType": highlightType,
			"color":         color,
		}}, nil

	case TypeProductDescription:
		page, _ := intField(raw, "currentPage", "current_page", "page")
		total, _ := intField(raw, "totalPages", "total_pages")
		return DescriptionPayload{
			Product:     mapField(raw, "product", "productData", "product_data"),
			CurrentPage: page,
			TotalPages:  total,
		}, nil

	case TypeProductSimulation:
		return DataPayload{Data: mapField(raw, "data", "simulationData", "simulation_data")}, nil

	case TypeProductDescriptionClose, TypeEnrollmentComplete, TypeEnrollmentState:
		return EmptyPayload{}, nil

	case TypeProductEnrollment:
		productID := strings.TrimSpace(stringField(raw, productIDKeys...))
		if productID == "" {
			return nil, &ValidationError{Type: kind, Field: "productId", Err: ErrMissingField}
		}
		return EnrollmentPayload{
			ProductID:   productID,
			ProductType: stringField(raw, productTypeKeys...),
			CustomerID:  stringField(raw, customerIDKeys...),
		}, nil

	case TypeFormNavigation:
		dir := strings.TrimSpace(stringField(raw, directionKeys...))
		if dir == "" {
			return nil, &ValidationError{Type: kind, Field: "direction", Err: ErrMissingField}
		}
		idx, _ := intField(raw, indexKeys...)
		return NavigationPayload{
			Direction:    dir,
			CurrentIndex: idx,
			ProductID:    stringField(raw, productIDKeys...),
		}, nil

	case TypeFieldFocus:
		field := make(map[string]any)
		for _, f := range focusFields {
			if v, ok := lookup(raw, f.candidates...); ok {
				field[f.key] = v
			}
		}
		if _, ok := field["fieldId"]; !ok {
			return nil, &ValidationError{Type: kind, Field: "fieldId", Err: ErrMissingField}
		}
		return FieldFocusPayload{Field: field}, nil

	case TypeFieldInputCompleted, TypeFieldInputComplete:
		return fieldInput(kind, raw)

	case TypeFormData:
		data, _ := lookup(raw, "formData", "form_data", "data")
		return FormDataPayload{
			FormType: stringField(raw, "formType", "form_type"),
			FormData: data,
		}, nil

	case TypeSendToSession, TypeSendMessage, TypeSendToEmployee:
		return MessagePayload{
			MessageType: innerType(raw, explicit),
			Data:        raw["data"],
		}, nil

	case TypeClientToTablet, TypeTabletToClient, TypeWebToTablet:
		return RelayPayload{
			MessageType: innerType(raw, explicit),
			Data:        raw["data"],
		}, nil

	case TypeRequestRecommendation:
		customerID := strings.TrimSpace(stringField(raw, customerIDKeys...))
		if customerID == "" {
			return nil, &ValidationError{Type: kind, Field: "customerId", Err: ErrMissingField}
		}
		return RecommendationPayload{
			CustomerID: customerID,
			Transcript: stringField(raw, "transcript", "text", "utterance"),
			Intent:     stringField(raw, "intent"),
		}, nil

	case TypeTestConnection:
		return ConnectionTestPayload{ClientType: stringField(raw, "clientType", "client_type", "userType")}, nil
	}

	return OpaquePayload{Fields: raw}, nil
}

// fieldInput accepts both the flat shape and the legacy shape where the
// values sit inside "data" under value/fieldName.
func fieldInput(kind Type, raw map[string]any) (Payload, error) {
	if _, ok := raw["fieldId"]; ok || kind == TypeFieldInputCompleted && mapField(raw, "data") == nil {
		p := FieldInputPayload{
			FieldID:    stringField(raw, fieldIDKeys...),
			FieldValue: stringField(raw, fieldValueKeys...),
			FieldLabel: stringField(raw, fieldLabelKeys...),
			FieldType:  stringField(raw, fieldTypeKeys...),
			FormID:     stringField(raw, formIDKeys...),
		}
		if p.FieldID == "" {
			return nil, &ValidationError{Type: kind, Field: "fieldId", Err: ErrMissingField}
		}
		return p, nil
	}

	data := mapField(raw, "data")
	p := FieldInputPayload{
		FieldID:    stringField(data, fieldIDKeys...),
		FieldValue: stringField(data, fieldValueKeys...),
		FieldLabel: stringField(data, fieldLabelKeys...),
		FieldType:  "text",
		FormID:     stringField(data, formIDKeys...),
		Legacy:     true,
	}
	if p.FieldID == "" {
		return nil, &ValidationError{Type: kind, Field: "data.fieldId", Err: ErrMissingField}
	}
	if p.FieldValue == "" {
		return nil, &ValidationError{Type: kind, Field: "data.value", Err: ErrMissingField}
	}
	if p.FieldLabel == "" {
		p.FieldLabel = DefaultFieldLabel
	}
	return p, nil
}

func innerType(raw map[string]any, explicit bool) string {
	if s := stringField(raw, messageTypeKeys...); s != "" {
		return s
	}
	if explicit {
		if s, ok := raw["type"].(string); ok {
			return s
		}
	}
	return ""
}

// lookup returns the first non-nil value among keys, falling back to the
// legacy "data" sub-map.
func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	if data, ok := raw["data"].(map[string]any); ok {
		for _, k := range keys {
			if k == "data" {
				continue
			}
			if v, ok := data[k]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func stringField(raw map[string]any, keys ...string) string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return ""
	}
	return AsString(v)
}

func intField(raw map[string]any, keys ...string) (int, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

func mapField(raw map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m, ok := raw[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}

// AsString renders scalar JSON values as strings. Maps and slices yield "".
func AsString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// AsInt accepts JSON numbers and numeric strings.
func AsInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), true
		}
		if f, err := x.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	}
	return v
}
