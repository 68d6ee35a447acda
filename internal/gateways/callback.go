package gateway

import (
	"encoding/json"
	"fmt"
)

// CallbackEnvelope is the payload Daraja POSTs to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackNotification is the normalized form handed to the ingress.
type CallbackNotification struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	AmountKES         float64
	PhoneNumber       string
}

// ParseCallback decodes a raw provider notification body.
func ParseCallback(body []byte) (*CallbackNotification, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed callback payload: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}

	n := &CallbackNotification{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	// Metadata items are only present on success.
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if s, ok := item.Value.(string); ok {
				n.ReceiptNumber = s
			}
		case "Amount":
			if f, ok := item.Value.(float64); ok {
				n.AmountKES = f
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case float64:
				n.PhoneNumber = fmt.Sprintf("%.0f", v)
			case string:
				n.PhoneNumber = v
			}
		}
	}

	return n, nil
}

// AckEnvelope is the acknowledgment the provider expects. It is returned
// unconditionally: signaling failure would only trigger the provider's own
// retry storm, and internal failures are the recovery engine's job.
type AckEnvelope struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func SuccessAck() AckEnvelope {
	return AckEnvelope{ResultCode: 0, ResultDesc: "Accepted"}
}
