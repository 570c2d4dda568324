package event

import "time"

// Type identifies the kind of an event.
type Type string

// Inbound event types.
const (
	TypeJoinSession             Type = "join-session"
	TypeCustomerSelected        Type = "customer-selected"
	TypeCustomerInfoUpdate      Type = "customer-info-update"
	TypeProductDetailSync       Type = "product-detail-sync"
	TypeScreenSync              Type = "screen-sync"
	TypeScreenHighlight         Type = "screen-highlight"
	TypeProductDescription      Type = "product-description"
	TypeProductSimulation       Type = "product-simulation"
	TypeProductDescriptionClose Type = "product-description-close"
	TypeProductEnrollment       Type = "product-enrollment"
	TypeFormNavigation          Type = "form-navigation"
	TypeEnrollmentComplete      Type = "enrollment-complete"
	TypeEnrollmentState         Type = "enrollment-state"
	TypeFieldFocus              Type = "field-focus"
	TypeFieldInputCompleted     Type = "field-input-completed"
	TypeFieldInputComplete      Type = "field-input-complete" // legacy shape
	TypeFormData                Type = "form-data"
	TypeSendToSession           Type = "send-to-session"
	TypeSendMessage             Type = "send-message"
	TypeSendToEmployee          Type = "send-to-employee"
	TypeClientToTablet          Type = "client-to-tablet"
	TypeTabletToClient          Type = "tablet-to-client"
	TypeWebToTablet             Type = "web-to-tablet"
	TypeRequestRecommendation   Type = "request-recommendation"
	TypeTestConnection          Type = "test-connection"
)

// Outbound-only event types.
const (
	TypeSessionJoined            Type = "session-joined"
	TypeParticipantLeft          Type = "participant-left"
	TypeCustomerInfoUpdated      Type = "customer-info-updated"
	TypeScreenUpdated            Type = "screen-updated"
	TypeProductVisualizationSync Type = "product-visualization-sync"
	TypeFormDataUpdated          Type = "form-data-updated"
	TypeClientMessage            Type = "client-message"
	TypeTabletMessage            Type = "tablet-message"
	TypeWebMessage               Type = "web-message"
	TypeAIRecommendations        Type = "ai-recommendations"
	TypeRecommendationError      Type = "recommendation_error"
	TypeEnrollmentError          Type = "enrollment_error"
	TypeConnectionTestResponse   Type = "connection-test-response"
	TypeConnectionEstablished    Type = "connection-established"
)

// Event is the canonical form of an inbound message. It is built once by
// Normalize and then passed by value; holders must not mutate Raw or the
// maps reachable from Payload.
type Event struct {
	SessionID  string
	Type       Type
	Payload    Payload
	OriginRole string
	OriginID   string
	Timestamp  time.Time

	// Raw is a deep copy of the inbound body, legacy "data" sub-map included.
	Raw map[string]any
}

// Payload is implemented by the payload variants in this package only.
type Payload interface {
	payloadType() Type
}

// JoinPayload asks for a participant to be attached to a session.
type JoinPayload struct {
	UserType string
	UserID   string
}

// CustomerPayload carries the selected customer record.
type CustomerPayload struct {
	Customer map[string]any
}

// ProductPayload carries a product record in whatever shape the client sent.
type ProductPayload struct {
	Product map[string]any
}

// ScreenPayload mirrors a screen state.
type ScreenPayload struct {
	Screen any
}

// HighlightPayload is either the nested data map or the legacy flat fields
// folded into one map.
type HighlightPayload struct {
	Data map[string]any
}

// DescriptionPayload syncs the product description pager.
type DescriptionPayload struct {
	Product     map[string]any
	CurrentPage int
	TotalPages  int
}

// DataPayload is a free-form data map (simulation, description close).
type DataPayload struct {
	Data map[string]any
}

// EnrollmentPayload starts a product enrollment.
type EnrollmentPayload struct {
	ProductID   string
	ProductType string
	CustomerID  string
}

// NavigationPayload moves the enrollment cursor. CurrentIndex is what the
// client believed; the server state wins.
type NavigationPayload struct {
	Direction    string
	CurrentIndex int
	ProductID    string
}

// FieldFocusPayload activates field input on the tablet.
type FieldFocusPayload struct {
	Field map[string]any
}

// FieldInputPayload reports a completed field. Legacy is set when it was
// decoded from the old data-wrapped shape.
type FieldInputPayload struct {
	FieldID    string
	FieldValue string
	FieldLabel string
	FieldType  string
	FormID     string
	Legacy     bool
}

// FormDataPayload mirrors a whole form's data.
type FormDataPayload struct {
	FormType string
	FormData any
}

// MessagePayload is the generic send-to-session / send-message /
// send-to-employee body.
type MessagePayload struct {
	MessageType string
	Data        any
}

// RelayPayload is a directed device-to-device message.
type RelayPayload struct {
	MessageType string
	Data        any
}

// RecommendationPayload requests a recommendation run.
type RecommendationPayload struct {
	CustomerID string
	Transcript string
	Intent     string
}

// ConnectionTestPayload is a client ping.
type ConnectionTestPayload struct {
	ClientType string
}

// EmptyPayload is used by events that carry nothing beyond the session.
type EmptyPayload struct{}

// OpaquePayload carries events of unknown type.
type OpaquePayload struct {
	Fields map[string]any
}

func (JoinPayload) payloadType() Type           { return TypeJoinSession }
func (CustomerPayload) payloadType() Type       { return TypeCustomerSelected }
func (ProductPayload) payloadType() Type        { return TypeProductDetailSync }
func (ScreenPayload) payloadType() Type         { return TypeScreenSync }
func (HighlightPayload) payloadType() Type      { return TypeScreenHighlight }
func (DescriptionPayload) payloadType() Type    { return TypeProductDescription }
func (DataPayload) payloadType() Type           { return TypeProductSimulation }
func (EnrollmentPayload) payloadType() Type     { return TypeProductEnrollment }
func (NavigationPayload) payloadType() Type     { return TypeFormNavigation }
func (FieldFocusPayload) payloadType() Type     { return TypeFieldFocus }
func (FieldInputPayload) payloadType() Type     { return TypeFieldInputCompleted }
func (FormDataPayload) payloadType() Type       { return TypeFormData }
func (MessagePayload) payloadType() Type        { return TypeSendToSession }
func (RelayPayload) payloadType() Type          { return TypeClientToTablet }
func (RecommendationPayload) payloadType() Type { return TypeRequestRecommendation }
func (ConnectionTestPayload) payloadType() Type { return TypeTestConnection }
func (EmptyPayload) payloadType() Type          { return "" }
func (OpaquePayload) payloadType() Type         { return "" }
