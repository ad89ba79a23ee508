// Package event defines the immutable event envelope that flows through the
// backbone, the typed payload contract and the schema table used to decode
// payloads by type and version.
//
// Payloads are plain structs implementing Payload:
//
//	type QuoteAccepted struct {
//		QuoteID int64 `json:"quote_id"`
//	}
//
//	func (QuoteAccepted) EventType() string { return "QuoteAccepted" }
//
// An event is created with New, or with NewFromParent when a handler derives
// it from the event it is processing. Handlers extract the body with
// Decode[QuoteAccepted](evt) and never probe raw JSON.
package event
