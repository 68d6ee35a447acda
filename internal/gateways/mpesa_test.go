package gateway

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		client, err := NewClient(nil)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("missing credentials returns error", func(t *testing.T) {
		client, err := NewClient(&Config{BaseURL: "https://sandbox.safaricom.co.ke"})
		assert.Error(t, err)
		assert.Nil(t, client)
	})

	t.Run("missing shortcode returns error", func(t *testing.T) {
		client, err := NewClient(&Config{
			BaseURL:        "https://sandbox.safaricom.co.ke",
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
		})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "shortcode")
	})

	t.Run("valid config applies defaults", func(t *testing.T) {
		client, err := NewClient(&Config{
			BaseURL:        "https://sandbox.safaricom.co.ke",
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			Passkey:        "bfb279f9aa9bdbcf",
		})
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, 100, client.config.MaxConns)
	})
}

func TestClient_Password(t *testing.T) {
	client := &Client{config: &Config{
		ShortCode: "174379",
		Passkey:   "bfb279f9aa9bdbcf",
	}}

	timestamp := "20240115103045"
	got := client.password(timestamp)

	decoded, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, "174379bfb279f9aa9bdbcf20240115103045", string(decoded))
}

func TestTimestampLayout(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC).Format(timestampLayout)
	assert.Equal(t, "20240115103045", ts)
	assert.Len(t, ts, 14)
}

func TestProviderError(t *testing.T) {
	t.Run("user cancel is recognized", func(t *testing.T) {
		err := &ProviderError{Code: ResultCancelledByUser, Desc: "Request cancelled by user"}
		assert.True(t, err.Cancelled())
		assert.Contains(t, err.Error(), "1032")
	})

	t.Run("insufficient funds is not a cancel", func(t *testing.T) {
		err := &ProviderError{Code: ResultInsufficientFunds, Desc: "The balance is insufficient"}
		assert.False(t, err.Cancelled())
	})
}

func TestStatusResponse_Succeeded(t *testing.T) {
	assert.True(t, (&StatusResponse{ResultCode: ResultSuccess}).Succeeded())
	assert.False(t, (&StatusResponse{ResultCode: ResultTimeoutUnreachable}).Succeeded())
}

func TestParseCallback_Success(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 12950.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	n, err := ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", n.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", n.MerchantRequestID)
	assert.Equal(t, ResultSuccess, n.ResultCode)
	assert.Equal(t, "NLJ7RT61SV", n.ReceiptNumber)
	assert.Equal(t, 12950.00, n.AmountKES)
	assert.Equal(t, "254712345678", n.PhoneNumber)
}

func TestParseCallback_UserCancel(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user."
			}
		}
	}`)

	n, err := ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelledByUser, n.ResultCode)
	assert.Empty(t, n.ReceiptNumber)
	assert.Zero(t, n.AmountKES)
}

func TestParseCallback_Malformed(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseCallback([]byte(`{"Body": `))
		assert.Error(t, err)
	})

	t.Run("missing checkout request id", func(t *testing.T) {
		_, err := ParseCallback([]byte(`{"Body": {"stkCallback": {"ResultCode": 0}}}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "CheckoutRequestID")
	})
}

func TestSuccessAck(t *testing.T) {
	ack := SuccessAck()
	assert.Equal(t, 0, ack.ResultCode)
	assert.Equal(t, "Accepted", ack.ResultDesc)
}
