package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
)

// STKCallback is the parsed body Daraja posts when an STK push completes.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            float64
	ReceiptNumber     string
	TransactionDate   string
	Phone             string
}

// Success reports whether the customer paid.
func (c *STKCallback) Success() bool { return c.ResultCode == 0 }

// ParseSTKCallback extracts the STK callback fields. Metadata is only present
// on success.
func ParseSTKCallback(body []byte) (*STKCallback, error) {
	doc, err := parseJSON(body)
	if err != nil {
		return nil, err
	}

	checkout, err := stringAt(doc, "$.Body.stkCallback.CheckoutRequestID")
	if err != nil || checkout == "" {
		return nil, fmt.Errorf("stk callback: missing CheckoutRequestID")
	}
	code, err := intAt(doc, "$.Body.stkCallback.ResultCode")
	if err != nil {
		return nil, fmt.Errorf("stk callback: %w", err)
	}

	cb := &STKCallback{CheckoutRequestID: checkout, ResultCode: code}
	cb.MerchantRequestID, _ = stringAt(doc, "$.Body.stkCallback.MerchantRequestID")
	cb.ResultDesc, _ = stringAt(doc, "$.Body.stkCallback.ResultDesc")

	items := namedValues(doc, "$.Body.stkCallback.CallbackMetadata.Item[*]", "Name")
	if v, ok := items["Amount"]; ok {
		cb.Amount, _ = toFloat(v)
	}
	if v, ok := items["MpesaReceiptNumber"]; ok {
		cb.ReceiptNumber = toString(v)
	}
	if v, ok := items["TransactionDate"]; ok {
		cb.TransactionDate = toString(v)
	}
	if v, ok := items["PhoneNumber"]; ok {
		cb.Phone = toString(v)
	}

	if cb.Success() && cb.ReceiptNumber == "" {
		return nil, fmt.Errorf("stk callback: success without MpesaReceiptNumber")
	}
	return cb, nil
}

// B2CResult is the parsed result or timeout body of a B2C payout.
type B2CResult struct {
	ConversationID           string
	OriginatorConversationID string
	TransactionID            string
	ResultCode               int
	ResultDesc               string
	Amount                   float64
	ReceiptNumber            string
	ReceiverName             string
}

// Success reports whether the payout reached the customer.
func (r *B2CResult) Success() bool { return r.ResultCode == 0 }

// ParseB2CResult extracts a B2C result.
func ParseB2CResult(body []byte) (*B2CResult, error) {
	doc, err := parseJSON(body)
	if err != nil {
		return nil, err
	}

	r := &B2CResult{}
	r.ConversationID, _ = stringAt(doc, "$.Result.ConversationID")
	r.OriginatorConversationID, _ = stringAt(doc, "$.Result.OriginatorConversationID")
	if r.ConversationID == "" && r.OriginatorConversationID == "" {
		return nil, fmt.Errorf("b2c result: missing conversation ids")
	}
	if r.ResultCode, err = intAt(doc, "$.Result.ResultCode"); err != nil {
		return nil, fmt.Errorf("b2c result: %w", err)
	}
	r.ResultDesc, _ = stringAt(doc, "$.Result.ResultDesc")
	r.TransactionID, _ = stringAt(doc, "$.Result.TransactionID")

	params := namedValues(doc, "$.Result.ResultParameters.ResultParameter[*]", "Key")
	if v, ok := params["TransactionAmount"]; ok {
		r.Amount, _ = toFloat(v)
	}
	if v, ok := params["TransactionReceipt"]; ok {
		r.ReceiptNumber = toString(v)
	}
	if v, ok := params["ReceiverPartyPublicName"]; ok {
		r.ReceiverName = toString(v)
	}
	if r.ReceiptNumber == "" {
		r.ReceiptNumber = r.TransactionID
	}
	return r, nil
}

// C2BRequest is the body of both C2B validation and confirmation calls.
type C2BRequest struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

// Amount parses TransAmount.
func (r *C2BRequest) Amount() (float64, error) {
	v, err := strconv.ParseFloat(r.TransAmount, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("c2b: invalid TransAmount %q", r.TransAmount)
	}
	return v, nil
}

// C2B validation result codes.
const (
	C2BAccepted             = "0"
	C2BInvalidAccountNumber = "C2B00012"
	C2BInvalidAmount        = "C2B00013"
)

// C2BResponse answers a validation or confirmation call.
type C2BResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accept is the acknowledgement Daraja expects for every callback.
func Accept() map[string]any {
	return map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}
}

func parseJSON(body []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("callback body is not valid JSON: %w", err)
	}
	return doc, nil
}

func stringAt(doc any, expr string) (string, error) {
	v, err := jsonpath.Get(expr, doc)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

func intAt(doc any, expr string) (int, error) {
	v, err := jsonpath.Get(expr, doc)
	if err != nil {
		return 0, fmt.Errorf("missing %s", expr)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", expr, err)
	}
	return int(f), nil
}

// namedValues turns Daraja's [{"Name": k, "Value": v}] lists into a map.
func namedValues(doc any, expr, keyField string) map[string]any {
	out := map[string]any{}
	v, err := jsonpath.Get(expr, doc)
	if err != nil {
		return out
	}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, ok := m[keyField].(string)
		if !ok {
			continue
		}
		out[name] = m["Value"]
	}
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
