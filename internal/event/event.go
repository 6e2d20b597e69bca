// Package event maps validated notifications onto the canonical events the
// case service consumes.
package event

import (
	"bytes"
	"encoding/json"
	"time"
)

// Event types and fixed tags of the canonical envelope.
const (
	TypeResponseReceived        = "RESPONSE_RECEIVED"
	TypeUndeliveredMailReported = "UNDELIVERED_MAIL_REPORTED"

	SourceReceiptService = "RECEIPT_SERVICE"

	ChannelEQ  = "EQ"
	ChannelPPO = "PPO"
	ChannelQM  = "QM"
)

// Header is the "event" section of a canonical event.
type Header struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	Channel       string `json:"channel"`
	DateTime      string `json:"dateTime"`
	TransactionID string `json:"transactionId"`
}

// ReceiptResponse is the response payload of a submission receipt. An absent
// case id is written as null.
type ReceiptResponse struct {
	CaseID          *string `json:"caseId"`
	QuestionnaireID string  `json:"questionnaireId"`
	Unreceipt       bool    `json:"unreceipt"`
}

// OfflineResponse is the response payload of an offline receipt, which never
// carries a case id.
type OfflineResponse struct {
	QuestionnaireID string `json:"questionnaireId"`
	Unreceipt       bool   `json:"unreceipt"`
}

// PPOFulfilment reports undelivered mail by case reference. CaseRef keeps the
// JSON type it arrived with.
type PPOFulfilment struct {
	CaseRef        json.RawMessage `json:"caseRef"`
	FulfilmentCode string          `json:"fulfilmentCode"`
}

// QMFulfilment reports undelivered mail by questionnaire id.
type QMFulfilment struct {
	QuestionnaireID string `json:"questionnaireId"`
}

// Payload is the "payload" section; exactly one field is set.
type Payload struct {
	Response              any `json:"response,omitempty"`
	FulfilmentInformation any `json:"fulfilmentInformation,omitempty"`
}

// Canonical is the outbound event record. It is immutable once built.
type Canonical struct {
	Event   Header  `json:"event"`
	Payload Payload `json:"payload"`
}

// Marshal serializes the event as compact JSON without HTML escaping, so
// identical events always produce identical bytes.
func (c Canonical) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Route selects where a canonical event is published.
type Route struct {
	Exchange   string
	RoutingKey string
}

// Routes holds the destinations configured for the bridge.
type Routes struct {
	Exchange       string
	CaseResponses  string
	UndeliveredKey string
}

// FormatDateTime renders t as ISO-8601 with a numeric offset. Microseconds
// are written only when the sub-second part is non-zero.
func FormatDateTime(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) != 0 {
		return t.Format("2006-01-02T15:04:05.000000-07:00")
	}
	return t.Format("2006-01-02T15:04:05-07:00")
}
