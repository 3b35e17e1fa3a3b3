package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const ResultCodeSuccess = "0"

// ResultCodeUnconfirmed is recorded locally when an attempt the provider never
// acknowledged is given up on.
const ResultCodeUnconfirmed = "unconfirmed"

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

type StkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type CallbackPayload struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the normalized outcome of one STK push, whether it came
// from the webhook or from a status query. EventID comes from the callback
// URL, never the body, and is empty for query answers.
type CallbackResult struct {
	EventID           string
	CorrelationID     string
	MerchantRequestID string
	ResultCode        string
	ResultDesc        string
	Receipt           string
	Amount            *int64
	Phone             string
	TransactionDate   string
}

func (r CallbackResult) Success() bool {
	return r.ResultCode == ResultCodeSuccess
}

var ErrMalformedCallback = errors.New("malformed STK callback")

// ParseCallback decodes a provider webhook body. Metadata items are matched by
// name; their order carries no meaning.
func ParseCallback(raw []byte) (CallbackResult, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := payload.Body.StkCallback
	if stk == nil {
		return CallbackResult{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if _, err := stk.ResultCode.Int64(); err != nil {
		return CallbackResult{}, fmt.Errorf("%w: invalid ResultCode %q", ErrMalformedCallback, stk.ResultCode.String())
	}

	res := CallbackResult{
		CorrelationID:     stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        stk.ResultCode.String(),
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata == nil {
		return res, nil
	}

	items := make(map[string]json.RawMessage, len(stk.CallbackMetadata.Item))
	for _, item := range stk.CallbackMetadata.Item {
		items[item.Name] = item.Value
	}

	res.Receipt = rawString(items["MpesaReceiptNumber"])
	res.Phone = rawString(items["PhoneNumber"])
	res.TransactionDate = rawString(items["TransactionDate"])
	if amount, ok := rawAmount(items["Amount"]); ok {
		res.Amount = &amount
	}
	return res, nil
}

// FromQuery converts a status query answer into a CallbackResult.
func FromQuery(q *StkQueryResponse) CallbackResult {
	return CallbackResult{
		CorrelationID:     q.CheckoutRequestID,
		MerchantRequestID: q.MerchantRequestID,
		ResultCode:        q.ResultCode.String(),
		ResultDesc:        q.ResultDesc,
	}
}

// rawString renders a JSON string or number value as plain text.
func rawString(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(v))
}

func rawAmount(v json.RawMessage) (int64, bool) {
	s := rawString(v)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(f)), true
}
