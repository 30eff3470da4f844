package model

// Payload is the usable content fetched for one (identifier, aspect).
type Payload struct {
	// Kind is the response kind the payload was parsed as.
	Kind ResponseKind `json:"kind" bson:"kind"`

	// Data holds a JSON payload. Arrays are wrapped as {"items": [...]} and
	// scalars as {"value": v} so the payload is always a document.
	Data map[string]any `json:"data,omitempty" bson:"data,omitempty"`

	// Text holds a raw text payload.
	Text string `json:"text,omitempty" bson:"text,omitempty"`
}

// IsEmpty reports whether the payload carries no usable content.
func (p Payload) IsEmpty() bool {
	switch p.Kind {
	case KindText:
		return p.Text == ""
	default:
		return len(p.Data) == 0
	}
}
