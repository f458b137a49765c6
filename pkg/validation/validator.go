package validation

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zoff-tech/corporate-actions/schema"
)

const defaultCurrency = "USD"

// Result is a validated and normalized creation request.
type Result struct {
	EventType      schema.EventType
	Symbol         string
	Payload        schema.Payload
	IdempotencyKey string
}

type commonInput struct {
	Symbol         string `json:"symbol" validate:"required,max=20,alphanum"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=255"`
}

type dividendInput struct {
	Amount      *decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency    string           `json:"currency" validate:"len=3,alpha"`
	ExDate      *schema.Date     `json:"ex_date" validate:"required"`
	RecordDate  *schema.Date     `json:"record_date" validate:"required"`
	PaymentDate *schema.Date     `json:"payment_date" validate:"required"`
}

type stockSplitInput struct {
	SplitRatioFrom *int         `json:"split_ratio_from" validate:"required,gt=0"`
	SplitRatioTo   *int         `json:"split_ratio_to" validate:"required,gt=0"`
	EffectiveDate  *schema.Date `json:"effective_date" validate:"required"`
}

type mergerInput struct {
	TargetSymbol  string           `json:"target_symbol" validate:"required,max=20,alphanum"`
	ExchangeRatio *decimal.Decimal `json:"exchange_ratio" validate:"required,gt=0"`
	CashComponent *decimal.Decimal `json:"cash_component" validate:"omitempty,gte=0"`
	EffectiveDate *schema.Date     `json:"effective_date" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		return name
	})
	// decimals are checked by sign: gt=0 means positive, gte=0 non-negative
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.Sign()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks req against the rules of its event type and returns the
// normalized result. Every failing field is reported in a single *Error.
func Validate(req CreateRequest) (Result, error) {
	verr := &Error{}

	common := commonInput{
		Symbol:         strings.ToUpper(strings.TrimSpace(req.Symbol)),
		IdempotencyKey: req.IdempotencyKey,
	}
	collect(verr, validate.Struct(common))

	eventType, err := schema.ParseEventType(strings.ToUpper(strings.TrimSpace(req.EventType)))
	if err != nil {
		if req.EventType == "" {
			verr.add("event_type", "field required")
		} else {
			verr.add("event_type", fmt.Sprintf("must be one of %s, %s, %s",
				schema.EventTypeDividend, schema.EventTypeStockSplit, schema.EventTypeMerger))
		}
		return Result{}, verr
	}

	fields := fieldDecoder{fields: req.Fields, verr: verr}
	var payload schema.Payload
	switch eventType {
	case schema.EventTypeDividend:
		payload = validateDividend(fields, verr)
	case schema.EventTypeStockSplit:
		payload = validateStockSplit(fields, verr)
	case schema.EventTypeMerger:
		payload = validateMerger(fields, common.Symbol, verr)
	}

	if err := verr.orNil(); err != nil {
		return Result{}, err
	}
	return Result{
		EventType:      eventType,
		Symbol:         common.Symbol,
		Payload:        payload,
		IdempotencyKey: common.IdempotencyKey,
	}, nil
}

func validateDividend(fields fieldDecoder, verr *Error) schema.Payload {
	in := dividendInput{
		Amount:      fields.decimal("amount"),
		Currency:    strings.ToUpper(strings.TrimSpace(fields.str("currency"))),
		ExDate:      fields.date("ex_date"),
		RecordDate:  fields.date("record_date"),
		PaymentDate: fields.date("payment_date"),
	}
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
	collect(verr, validate.Struct(in))

	if in.Amount != nil && !hasPlaces(*in.Amount, 4) {
		verr.add("amount", "must have at most 4 decimal places")
	}
	if in.ExDate != nil && in.RecordDate != nil && in.RecordDate.Before(in.ExDate.Time) {
		verr.add("record_date", "record_date must be on or after ex_date")
	}
	if in.RecordDate != nil && in.PaymentDate != nil && in.PaymentDate.Before(in.RecordDate.Time) {
		verr.add("payment_date", "payment_date must be on or after record_date")
	}
	if len(verr.Fields) > 0 {
		return nil
	}

	return schema.DividendPayload{
		Amount:      *in.Amount,
		Currency:    in.Currency,
		ExDate:      *in.ExDate,
		RecordDate:  *in.RecordDate,
		PaymentDate: *in.PaymentDate,
	}
}

func validateStockSplit(fields fieldDecoder, verr *Error) schema.Payload {
	in := stockSplitInput{
		SplitRatioFrom: fields.integer("split_ratio_from"),
		SplitRatioTo:   fields.integer("split_ratio_to"),
		EffectiveDate:  fields.date("effective_date"),
	}
	collect(verr, validate.Struct(in))

	if in.SplitRatioFrom != nil && in.SplitRatioTo != nil && *in.SplitRatioFrom == *in.SplitRatioTo {
		verr.add("split_ratio_to", "split_ratio_to must differ from split_ratio_from")
	}
	if len(verr.Fields) > 0 {
		return nil
	}

	return schema.StockSplitPayload{
		SplitRatioFrom: *in.SplitRatioFrom,
		SplitRatioTo:   *in.SplitRatioTo,
		EffectiveDate:  *in.EffectiveDate,
	}
}

func validateMerger(fields fieldDecoder, symbol string, verr *Error) schema.Payload {
	in := mergerInput{
		TargetSymbol:  strings.ToUpper(strings.TrimSpace(fields.str("target_symbol"))),
		ExchangeRatio: fields.decimal("exchange_ratio"),
		CashComponent: fields.decimal("cash_component"),
		EffectiveDate: fields.date("effective_date"),
	}
	collect(verr, validate.Struct(in))

	if in.TargetSymbol != "" && in.TargetSymbol == symbol {
		verr.add("target_symbol", "target_symbol must differ from symbol")
	}
	if in.ExchangeRatio != nil && !hasPlaces(*in.ExchangeRatio, 4) {
		verr.add("exchange_ratio", "must have at most 4 decimal places")
	}
	if in.CashComponent != nil && !hasPlaces(*in.CashComponent, 2) {
		verr.add("cash_component", "must have at most 2 decimal places")
	}
	if len(verr.Fields) > 0 {
		return nil
	}

	cash := decimal.Zero
	if in.CashComponent != nil {
		cash = *in.CashComponent
	}
	return schema.MergerPayload{
		TargetSymbol:  in.TargetSymbol,
		ExchangeRatio: *in.ExchangeRatio,
		CashComponent: cash,
		EffectiveDate: *in.EffectiveDate,
	}
}

// collect translates validator failures into field messages.
func collect(verr *Error, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return
	}
	for _, fe := range fieldErrs {
		verr.add(fe.Field(), message(fe))
	}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "alphanum":
		return "must contain only letters and digits"
	case "alpha":
		return "must contain only letters"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// hasPlaces reports whether d needs at most places fractional digits.
// Trailing zeros do not count, so 1.50000 has one place.
func hasPlaces(d decimal.Decimal, places int32) bool {
	if d.Exponent() >= -places {
		return true
	}
	coef := d.Coefficient()
	exp := d.Exponent()
	ten := big.NewInt(10)
	rem := new(big.Int)
	for exp < -places && coef.Sign() != 0 {
		q, r := new(big.Int).QuoRem(coef, ten, rem)
		if r.Sign() != 0 {
			return false
		}
		coef = q
		exp++
	}
	return true
}
