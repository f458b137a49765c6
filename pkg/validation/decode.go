package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zoff-tech/corporate-actions/schema"
)

// CreateRequest is a raw event creation request: the common fields plus the
// untyped bag of type-specific fields.
type CreateRequest struct {
	EventType      string
	Symbol         string
	IdempotencyKey string
	Fields         map[string]json.RawMessage
}

// DecodeRequest splits a JSON object into a CreateRequest. Malformed JSON is
// returned as a plain error; common fields of the wrong JSON type yield an *Error.
func DecodeRequest(data []byte) (CreateRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return CreateRequest{}, fmt.Errorf("malformed request body: %w", err)
	}
	if fields == nil {
		return CreateRequest{}, fmt.Errorf("malformed request body: expected a JSON object")
	}

	req := CreateRequest{Fields: fields}
	verr := &Error{}
	for name, target := range map[string]*string{
		"event_type":      &req.EventType,
		"symbol":          &req.Symbol,
		"idempotency_key": &req.IdempotencyKey,
	} {
		raw, ok := present(fields, name)
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			verr.add(name, "must be a string")
		}
	}
	return req, verr.orNil()
}

// fieldDecoder reads the type-specific fields of a request, recording
// decode failures on verr.
type fieldDecoder struct {
	fields map[string]json.RawMessage
	verr   *Error
}

func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

// Bounds on accepted numbers. Anything outside them is rejected before any
// arithmetic so rescaling stays cheap.
const (
	maxNumberText   = 64
	maxDigits       = 38
	maxExponent     = 28
	maxIntegerValue = 1<<31 - 1
)

// number reads a JSON number, or a string holding one, as a bounded decimal.
// ok is false when the field is absent or fails to parse, in which case the
// failure has already been recorded under name with invalid.
func (d fieldDecoder) number(name, invalid string) (value decimal.Decimal, ok bool) {
	raw, ok := present(d.fields, name)
	if !ok {
		return decimal.Decimal{}, false
	}
	text := string(bytes.TrimSpace(raw))
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = strings.TrimSpace(s)
	}
	if len(text) > maxNumberText {
		d.verr.add(name, invalid)
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		d.verr.add(name, invalid)
		return decimal.Decimal{}, false
	}
	if exp := value.Exponent(); exp > maxExponent || exp < -maxExponent || value.NumDigits() > maxDigits {
		d.verr.add(name, "is out of the supported range")
		return decimal.Decimal{}, false
	}
	return value, true
}

func (d fieldDecoder) decimal(name string) *decimal.Decimal {
	value, ok := d.number(name, "must be a decimal number")
	if !ok {
		return nil
	}
	return &value
}

// integer accepts any integral number, so 3 and 3.0 decode alike.
func (d fieldDecoder) integer(name string) *int {
	value, ok := d.number(name, "must be an integer")
	if !ok {
		return nil
	}
	if !value.IsInteger() {
		d.verr.add(name, "must be an integer")
		return nil
	}
	if value.Abs().GreaterThan(decimal.NewFromInt(maxIntegerValue)) {
		d.verr.add(name, "is out of the supported range")
		return nil
	}
	n := int(value.IntPart())
	return &n
}

func (d fieldDecoder) date(name string) *schema.Date {
	raw, ok := present(d.fields, name)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.verr.add(name, "must be a date in YYYY-MM-DD format")
		return nil
	}
	value, err := schema.ParseDate(strings.TrimSpace(s))
	if err != nil {
		d.verr.add(name, "must be a valid date in YYYY-MM-DD format")
		return nil
	}
	return &value
}

func (d fieldDecoder) str(name string) string {
	raw, ok := present(d.fields, name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.verr.add(name, "must be a string")
		return ""
	}
	return s
}
