package validation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/corporate-actions/schema"
)

func request(t *testing.T, body string) CreateRequest {
	t.Helper()
	req, err := DecodeRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func fieldErrors(t *testing.T, err error) map[string]string {
	t.Helper()
	require.ErrorIs(t, err, ErrInvalid)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	return verr.Fields
}

func TestValidate_Dividend(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "DIVIDEND", "symbol": " aapl ", "amount": 0.24,
		"ex_date": "2024-02-09", "record_date": "2024-02-12", "payment_date": "2024-02-15"
	}`))
	require.NoError(t, err)

	assert.Equal(t, schema.EventTypeDividend, res.EventType)
	assert.Equal(t, "AAPL", res.Symbol)
	payload := res.Payload.(schema.DividendPayload)
	assert.True(t, payload.Amount.Equal(decimal.RequireFromString("0.24")))
	assert.Equal(t, "USD", payload.Currency)
	assert.Equal(t, schema.NewDate(2024, time.February, 12), payload.RecordDate)
}

func TestValidate_DividendDateOrdering(t *testing.T) {
	tests := []struct {
		name                    string
		exDate, record, payment string
		wantField               string
	}{
		{"all equal", "2024-02-09", "2024-02-09", "2024-02-09", ""},
		{"ascending", "2024-02-09", "2024-02-12", "2024-02-15", ""},
		{"record before ex", "2024-02-12", "2024-02-09", "2024-02-15", "record_date"},
		{"payment before record", "2024-02-09", "2024-02-12", "2024-02-10", "payment_date"},
		{"fully reversed", "2024-02-15", "2024-02-12", "2024-02-09", "record_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{
				"event_type": "DIVIDEND", "symbol": "AAPL", "amount": "1.5", "currency": "eur",
				"ex_date": tt.exDate, "record_date": tt.record, "payment_date": tt.payment,
			})
			res, err := Validate(request(t, string(body)))
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "EUR", res.Payload.(schema.DividendPayload).Currency)
				return
			}
			assert.Contains(t, fieldErrors(t, err), tt.wantField)
		})
	}
}

func TestValidate_DividendFieldErrors(t *testing.T) {
	_, err := Validate(request(t, `{
		"event_type": "DIVIDEND", "symbol": "AAPL", "amount": -1,
		"ex_date": "2024-13-01", "payment_date": 20240215, "currency": "DOLLARS"
	}`))

	fields := fieldErrors(t, err)
	assert.Equal(t, "must be greater than 0", fields["amount"])
	assert.Equal(t, "must be a valid date in YYYY-MM-DD format", fields["ex_date"])
	assert.Equal(t, "field required", fields["record_date"])
	assert.Equal(t, "must be a date in YYYY-MM-DD format", fields["payment_date"])
	assert.Equal(t, "must be exactly 3 characters", fields["currency"])
}

func TestValidate_DividendPrecision(t *testing.T) {
	_, err := Validate(request(t, `{
		"event_type": "DIVIDEND", "symbol": "AAPL", "amount": 0.123456,
		"ex_date": "2024-02-09", "record_date": "2024-02-12", "payment_date": "2024-02-15"
	}`))
	assert.Equal(t, "must have at most 4 decimal places", fieldErrors(t, err)["amount"])
}

func TestValidate_DecimalRange(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		expect string
	}{
		{"tiny exponent", `"1e-99999999"`, "is out of the supported range"},
		{"huge exponent", `1e99999999`, "is out of the supported range"},
		{"too many digits", `"123456789012345678901234567890123456789"`, "is out of the supported range"},
		{"oversized text", `"` + strings.Repeat("1", 200) + `"`, "must be a decimal number"},
		{"padded fraction", `"1.500000000000000000000000000000"`, "is out of the supported range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(t, `{
				"event_type": "DIVIDEND", "symbol": "AAPL", "amount": `+tt.amount+`,
				"ex_date": "2024-02-09", "record_date": "2024-02-12", "payment_date": "2024-02-15"
			}`)
			done := make(chan error, 1)
			go func() {
				_, err := Validate(req)
				done <- err
			}()
			select {
			case err := <-done:
				assert.Equal(t, tt.expect, fieldErrors(t, err)["amount"])
			case <-time.After(time.Second):
				t.Fatal("validation did not finish in time")
			}
		})
	}
}

func TestValidate_TrailingZerosDoNotCountAsPlaces(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "DIVIDEND", "symbol": "AAPL", "amount": "0.2400000",
		"ex_date": "2024-02-09", "record_date": "2024-02-12", "payment_date": "2024-02-15"
	}`))
	require.NoError(t, err)
	payload := res.Payload.(schema.DividendPayload)
	assert.True(t, payload.Amount.Equal(decimal.RequireFromString("0.24")))

	_, err = json.Marshal(payload)
	require.NoError(t, err)
}

func TestValidate_StockSplitIntegralNumbers(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "STOCK_SPLIT", "symbol": "AAPL",
		"split_ratio_from": 3.0, "split_ratio_to": 1e1, "effective_date": "2024-06-10"
	}`))
	require.NoError(t, err)
	payload := res.Payload.(schema.StockSplitPayload)
	assert.Equal(t, 3, payload.SplitRatioFrom)
	assert.Equal(t, 10, payload.SplitRatioTo)
}

func TestValidate_StockSplit(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "STOCK_SPLIT", "symbol": "AAPL",
		"split_ratio_from": 1, "split_ratio_to": 3, "effective_date": "2024-06-10"
	}`))
	require.NoError(t, err)
	assert.Equal(t, schema.StockSplitPayload{
		SplitRatioFrom: 1,
		SplitRatioTo:   3,
		EffectiveDate:  schema.NewDate(2024, time.June, 10),
	}, res.Payload)
}

func TestValidate_StockSplitErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		field  string
		expect string
	}{
		{
			"same ratio",
			`{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "split_ratio_from": 2, "split_ratio_to": 2, "effective_date": "2024-06-10"}`,
			"split_ratio_to", "split_ratio_to must differ from split_ratio_from",
		},
		{
			"fractional ratio",
			`{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "split_ratio_from": 1.5, "split_ratio_to": 2, "effective_date": "2024-06-10"}`,
			"split_ratio_from", "must be an integer",
		},
		{
			"ratio beyond int32",
			`{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "split_ratio_from": 1, "split_ratio_to": 4294967296, "effective_date": "2024-06-10"}`,
			"split_ratio_to", "is out of the supported range",
		},
		{
			"zero ratio",
			`{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "split_ratio_from": 0, "split_ratio_to": 2, "effective_date": "2024-06-10"}`,
			"split_ratio_from", "must be greater than 0",
		},
		{
			"missing date",
			`{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "split_ratio_from": 1, "split_ratio_to": 2, "effective_date": null}`,
			"effective_date", "field required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(request(t, tt.body))
			assert.Equal(t, tt.expect, fieldErrors(t, err)[tt.field])
		})
	}
}

func TestValidate_Merger(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "MERGER", "symbol": "atvi", "target_symbol": "msft",
		"exchange_ratio": 1.5, "effective_date": "2023-01-18"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ATVI", res.Symbol)
	payload := res.Payload.(schema.MergerPayload)
	assert.Equal(t, "MSFT", payload.TargetSymbol)
	assert.True(t, payload.ExchangeRatio.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, payload.CashComponent.IsZero())
}

func TestValidate_MergerErrors(t *testing.T) {
	_, err := Validate(request(t, `{
		"event_type": "MERGER", "symbol": "MSFT", "target_symbol": "msft",
		"exchange_ratio": "abc", "cash_component": -5, "effective_date": "2023-01-18"
	}`))

	fields := fieldErrors(t, err)
	assert.Equal(t, "target_symbol must differ from symbol", fields["target_symbol"])
	assert.Equal(t, "must be a decimal number", fields["exchange_ratio"])
	assert.Equal(t, "must be greater than or equal to 0", fields["cash_component"])
}

func TestValidate_IgnoresForeignFields(t *testing.T) {
	res, err := Validate(request(t, `{
		"event_type": "STOCK_SPLIT", "symbol": "AAPL", "amount": 3, "target_symbol": "MSFT",
		"split_ratio_from": 2, "split_ratio_to": 1, "effective_date": "2024-06-10"
	}`))
	require.NoError(t, err)

	encoded, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"split_ratio_from":2,"split_ratio_to":1,"effective_date":"2024-06-10"}`, string(encoded))
}

func TestValidate_CommonFields(t *testing.T) {
	_, err := Validate(request(t, `{"event_type": "BONUS", "symbol": "BRK.B"}`))
	fields := fieldErrors(t, err)
	assert.Equal(t, "must be one of DIVIDEND, STOCK_SPLIT, MERGER", fields["event_type"])
	assert.Equal(t, "must contain only letters and digits", fields["symbol"])

	_, err = Validate(request(t, `{"symbol": "AVERYLONGSYMBOLNAME12345"}`))
	fields = fieldErrors(t, err)
	assert.Equal(t, "field required", fields["event_type"])
	assert.Equal(t, "must be at most 20 characters", fields["symbol"])
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"event_type": "MERGER", "symbol": "X", "idempotency_key": "k-1", "exchange_ratio": 2}`))
	require.NoError(t, err)
	assert.Equal(t, "MERGER", req.EventType)
	assert.Equal(t, "k-1", req.IdempotencyKey)
	assert.Contains(t, req.Fields, "exchange_ratio")

	_, err = DecodeRequest([]byte(`{"event_type": 7}`))
	assert.Equal(t, "must be a string", fieldErrors(t, err)["event_type"])

	_, err = DecodeRequest([]byte(`[1, 2]`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)

	_, err = DecodeRequest([]byte(`null`))
	assert.Error(t, err)
}
