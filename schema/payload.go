package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the kind of corporate action.
type EventType string

const (
	EventTypeDividend   EventType = "DIVIDEND"
	EventTypeStockSplit EventType = "STOCK_SPLIT"
	EventTypeMerger     EventType = "MERGER"
)

// EventTypes lists every supported event type.
var EventTypes = []EventType{EventTypeDividend, EventTypeStockSplit, EventTypeMerger}

// ParseEventType returns the EventType named by s.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Payload is the type-specific part of an event. Each variant carries only
// the fields of its own event type.
type Payload interface {
	EventType() EventType
}

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day, always in UTC.
type Date struct {
	time.Time
}

// NewDate returns the Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DividendPayload describes a cash distribution per share.
type DividendPayload struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExDate      Date            `json:"ex_date"`
	RecordDate  Date            `json:"record_date"`
	PaymentDate Date            `json:"payment_date"`
}

func (DividendPayload) EventType() EventType { return EventTypeDividend }

func (p DividendPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount      json.Number `json:"amount"`
		Currency    string      `json:"currency"`
		ExDate      Date        `json:"ex_date"`
		RecordDate  Date        `json:"record_date"`
		PaymentDate Date        `json:"payment_date"`
	}{json.Number(p.Amount.String()), p.Currency, p.ExDate, p.RecordDate, p.PaymentDate})
}

// StockSplitPayload describes a split of from shares into to shares.
type StockSplitPayload struct {
	SplitRatioFrom int  `json:"split_ratio_from"`
	SplitRatioTo   int  `json:"split_ratio_to"`
	EffectiveDate  Date `json:"effective_date"`
}

func (StockSplitPayload) EventType() EventType { return EventTypeStockSplit }

// MergerPayload describes the absorption of the event symbol into TargetSymbol.
type MergerPayload struct {
	TargetSymbol  string          `json:"target_symbol"`
	ExchangeRatio decimal.Decimal `json:"exchange_ratio"`
	CashComponent decimal.Decimal `json:"cash_component"`
	EffectiveDate Date            `json:"effective_date"`
}

func (MergerPayload) EventType() EventType { return EventTypeMerger }

func (p MergerPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TargetSymbol  string      `json:"target_symbol"`
		ExchangeRatio json.Number `json:"exchange_ratio"`
		CashComponent json.Number `json:"cash_component"`
		EffectiveDate Date        `json:"effective_date"`
	}{p.TargetSymbol, json.Number(p.ExchangeRatio.String()), json.Number(p.CashComponent.String()), p.EffectiveDate})
}

// DecodePayload rebuilds the payload variant of eventType from its JSON encoding.
func DecodePayload(eventType EventType, raw []byte) (Payload, error) {
	switch eventType {
	case EventTypeDividend:
		var p DividendPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode dividend payload: %w", err)
		}
		return p, nil
	case EventTypeStockSplit:
		var p StockSplitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode stock split payload: %w", err)
		}
		return p, nil
	case EventTypeMerger:
		var p MergerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode merger payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
