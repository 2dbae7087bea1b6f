package logging

// Standard attribute keys.
const (
	FieldComponent     = "component"
	FieldEventType     = "event_type"
	FieldErrorHint     = "error_hint"
	FieldImpact        = "impact"
	FieldChannelID     = "channel_id"
	FieldSegmentID     = "segment_id"
	FieldMessageKind   = "message_kind"
	FieldResourceID    = "resource_id"
	FieldCorrelationID = "correlation_id"
	FieldAddress       = "address"
	FieldReason        = "reason"
)
