package event

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lsm/receipt-bridge/internal/validate"
)

// EventTypeObjectFinalize is the only storage notification that counts as a
// submission receipt.
const EventTypeObjectFinalize = "OBJECT_FINALIZE"

// Record is a validated notification decoded into its kind's typed form.
type Record interface {
	// Canonical builds the outbound event.
	Canonical() Canonical
	// LogAttrs returns the correlation fields logged on success.
	LogAttrs() []any
}

// Kind describes how one subscription's notifications are checked, decoded
// and routed.
type Kind struct {
	Name       string
	Attributes []validate.AttributeRule
	// AttributeFields names envelope attributes logged on success.
	AttributeFields []AttributeField
	Contract        validate.Contract
	// DateTimeFormat describes the accepted date-time format in rejection
	// logs; empty for the literal UTC layouts.
	DateTimeFormat string
	Decode         func(validate.Payload) Record
	Route          func(Routes) Route
	SuccessLevel   slog.Level
}

// AttributeField maps an envelope attribute to a log field.
type AttributeField struct {
	Attribute string
	LogKey    string
}

// Map decodes a validated payload and returns the canonical event and its
// destination. It has no side effects.
func (k Kind) Map(p validate.Payload, routes Routes) (Canonical, Route, Record) {
	rec := k.Decode(p)
	return rec.Canonical(), k.Route(routes), rec
}

func caseResponses(r Routes) Route {
	return Route{Exchange: r.Exchange, RoutingKey: r.CaseResponses}
}

func undelivered(r Routes) Route {
	return Route{Exchange: r.Exchange, RoutingKey: r.UndeliveredKey}
}

// Submission is an online questionnaire submission landing in a storage
// bucket.
var Submission = Kind{
	Name: "receipt",
	Attributes: []validate.AttributeRule{
		{Name: "eventType", Accept: []string{EventTypeObjectFinalize}},
		{Name: "bucketId"},
		{Name: "objectId"},
	},
	AttributeFields: []AttributeField{
		{Attribute: "bucketId", LogKey: "bucket_name"},
		{Attribute: "objectId", LogKey: "object_name"},
	},
	Contract: validate.Contract{
		Required:        []string{"metadata", "timeCreated"},
		Nested:          "metadata",
		NestedRequired:  []string{"tx_id", "questionnaire_id"},
		Strings:         []string{"metadata.tx_id", "metadata.questionnaire_id"},
		OptionalStrings: []string{"metadata.case_id"},
		DateTimeKey:     "timeCreated",
		DateTimeLayouts: validate.RFC3339,
	},
	DateTimeFormat: "RFC 3339",
	Decode:         decodeSubmission,
	Route:          caseResponses,
	SuccessLevel:   slog.LevelInfo,
}

// Offline is a receipt captured outside the online channel.
var Offline = Kind{
	Name: "offline-receipt",
	Contract: validate.Contract{
		Required:        []string{"transactionId", "questionnaireId", "channel", "dateTime"},
		Strings:         []string{"transactionId", "questionnaireId", "channel"},
		DateTimeKey:     "dateTime",
		DateTimeLayouts: validate.LiteralUTC,
	},
	Decode:       decodeOffline,
	Route:        caseResponses,
	SuccessLevel: slog.LevelInfo,
}

// PPOUndelivered is an undelivered-mail report from the print provider.
var PPOUndelivered = Kind{
	Name: "ppo-undelivered",
	Contract: validate.Contract{
		Required:        []string{"transactionId", "caseRef", "productCode", "dateTime"},
		Strings:         []string{"transactionId", "productCode"},
		DateTimeKey:     "dateTime",
		DateTimeLayouts: validate.LiteralUTC,
	},
	Decode:       decodePPOUndelivered,
	Route:        undelivered,
	SuccessLevel: slog.LevelDebug,
}

// QMUndelivered is an undelivered-mail report from questionnaire management.
var QMUndelivered = Kind{
	Name: "qm-undelivered",
	Contract: validate.Contract{
		Required:        []string{"transactionId", "questionnaireId", "dateTime"},
		Strings:         []string{"transactionId", "questionnaireId"},
		DateTimeKey:     "dateTime",
		DateTimeLayouts: validate.LiteralUTC,
	},
	Decode:       decodeQMUndelivered,
	Route:        undelivered,
	SuccessLevel: slog.LevelDebug,
}

// Kinds lists every supported kind.
var Kinds = []Kind{Submission, Offline, PPOUndelivered, QMUndelivered}

// SubmissionReceipt is a decoded submission-receipt notification.
type SubmissionReceipt struct {
	TxID            string
	QuestionnaireID string
	CaseID          *string
	Created         time.Time
}

func decodeSubmission(p validate.Payload) Record {
	r := SubmissionReceipt{
		TxID:            p.Get("metadata.tx_id").String(),
		QuestionnaireID: p.Get("metadata.questionnaire_id").String(),
		Created:         p.Time(),
	}
	if v := p.Get("metadata.case_id"); v.Exists() && v.Type != gjson.Null {
		id := v.String()
		r.CaseID = &id
	}
	return r
}

func (r SubmissionReceipt) Canonical() Canonical {
	return Canonical{
		Event: Header{
			Type:          TypeResponseReceived,
			Source:        SourceReceiptService,
			Channel:       ChannelEQ,
			DateTime:      FormatDateTime(r.Created),
			TransactionID: r.TxID,
		},
		Payload: Payload{Response: ReceiptResponse{
			CaseID:          r.CaseID,
			QuestionnaireID: r.QuestionnaireID,
		}},
	}
}

func (r SubmissionReceipt) LogAttrs() []any {
	var caseID any
	if r.CaseID != nil {
		caseID = *r.CaseID
	}
	return []any{
		"tx_id", r.TxID,
		"questionnaire_id", r.QuestionnaireID,
		"case_id", caseID,
		"created", FormatDateTime(r.Created),
	}
}

// OfflineReceipt is a decoded offline-receipt notification.
type OfflineReceipt struct {
	TxID            string
	QuestionnaireID string
	Channel         string
	Unreceipt       bool
	Created         time.Time
}

func decodeOffline(p validate.Payload) Record {
	return OfflineReceipt{
		TxID:            p.Get("transactionId").String(),
		QuestionnaireID: p.Get("questionnaireId").String(),
		Channel:         p.Get("channel").String(),
		Unreceipt:       p.Get("unreceipt").Bool(),
		Created:         p.Time(),
	}
}

func (r OfflineReceipt) Canonical() Canonical {
	return Canonical{
		Event: Header{
			Type:          TypeResponseReceived,
			Source:        SourceReceiptService,
			Channel:       r.Channel,
			DateTime:      FormatDateTime(r.Created),
			TransactionID: r.TxID,
		},
		Payload: Payload{Response: OfflineResponse{
			QuestionnaireID: r.QuestionnaireID,
			Unreceipt:       r.Unreceipt,
		}},
	}
}

func (r OfflineReceipt) LogAttrs() []any {
	return []any{
		"tx_id", r.TxID,
		"questionnaire_id", r.QuestionnaireID,
		"channel", r.Channel,
		"unreceipt", r.Unreceipt,
		"created", FormatDateTime(r.Created),
	}
}

// PPOReport is a decoded print-provider undelivered-mail notification.
type PPOReport struct {
	TxID        string
	CaseRef     json.RawMessage
	ProductCode string
	Created     time.Time
}

func decodePPOUndelivered(p validate.Payload) Record {
	return PPOReport{
		TxID:        p.Get("transactionId").String(),
		CaseRef:     json.RawMessage(p.Get("caseRef").Raw),
		ProductCode: p.Get("productCode").String(),
		Created:     p.Time(),
	}
}

func (r PPOReport) Canonical() Canonical {
	return Canonical{
		Event: Header{
			Type:          TypeUndeliveredMailReported,
			Source:        SourceReceiptService,
			Channel:       ChannelPPO,
			DateTime:      FormatDateTime(r.Created),
			TransactionID: r.TxID,
		},
		Payload: Payload{FulfilmentInformation: PPOFulfilment{
			CaseRef:        r.CaseRef,
			FulfilmentCode: r.ProductCode,
		}},
	}
}

func (r PPOReport) LogAttrs() []any {
	return []any{
		"tx_id", r.TxID,
		"case_ref", gjson.ParseBytes(r.CaseRef).String(),
		"product_code", r.ProductCode,
		"created", FormatDateTime(r.Created),
	}
}

// QMReport is a decoded questionnaire-management undelivered-mail
// notification.
type QMReport struct {
	TxID            string
	QuestionnaireID string
	Created         time.Time
}

func decodeQMUndelivered(p validate.Payload) Record {
	return QMReport{
		TxID:            p.Get("transactionId").String(),
		QuestionnaireID: p.Get("questionnaireId").String(),
		Created:         p.Time(),
	}
}

func (r QMReport) Canonical() Canonical {
	return Canonical{
		Event: Header{
			Type:          TypeUndeliveredMailReported,
			Source:        SourceReceiptService,
			Channel:       ChannelQM,
			DateTime:      FormatDateTime(r.Created),
			TransactionID: r.TxID,
		},
		Payload: Payload{FulfilmentInformation: QMFulfilment{
			QuestionnaireID: r.QuestionnaireID,
		}},
	}
}

func (r QMReport) LogAttrs() []any {
	return []any{
		"tx_id", r.TxID,
		"questionnaire_id", r.QuestionnaireID,
		"created", FormatDateTime(r.Created),
	}
}
