package fixtures

import (
	"time"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/shopspring/decimal"
)

const (
	TestPhoneNumber   = "254712345678"
	TestWalletAddress = "0x1111111111111111111111111111111111111111"
	TestReferrer      = "0x2222222222222222222222222222222222222222"
	TestCheckoutID    = "ws_CO_191220191020363925"
	TestMerchantID    = "29115-34620561-1"
	TestReceiptNumber = "NLJ7RT61SV"
)

func NewTestTransaction(packageID int64) *model.Transaction {
	return &model.Transaction{
		PhoneNumber:   TestPhoneNumber,
		WalletAddress: TestWalletAddress,
		PackageID:     packageID,
		AmountUSD:     decimal.NewFromInt(100),
		AmountKES:     decimal.NewFromInt(12950),
		Status:        model.StatusPending,
		CreatedAt:     time.Now(),
	}
}

func NewTestCreateRequest(packageID int64) model.TransactionCreateRequest {
	return model.TransactionCreateRequest{
		PhoneNumber:   TestPhoneNumber,
		WalletAddress: TestWalletAddress,
		PackageID:     packageID,
		AmountUSD:     decimal.NewFromInt(100),
	}
}

func NewTestCreateRequestWithReferrer(packageID int64) model.TransactionCreateRequest {
	req := NewTestCreateRequest(packageID)
	referrer := TestReferrer
	req.ReferrerAddress = &referrer
	return req
}

func NewTestBridgeRecord(transactionID string, packageID int64) *model.BridgeRecord {
	return &model.BridgeRecord{
		TransactionID: transactionID,
		PackageID:     packageID,
		WalletAddress: TestWalletAddress,
		ChainAmount:   "100000000",
		Status:        model.BridgePending,
	}
}

var (
	ValidPhoneNumbers = []string{
		"254712345678",
		"254798765432",
		"254110123456",
	}

	InvalidPhoneNumbers = []string{
		"",
		"0712345678",
		"+254712345678",
		"25571234567",
		"254812345678",
		"abc",
	}

	ValidWalletAddresses = []string{
		"0x1111111111111111111111111111111111111111",
		"0xAbCdEf0123456789aBcDeF0123456789abCdEf01",
	}

	InvalidWalletAddresses = []string{
		"",
		"0x123",
		"1111111111111111111111111111111111111111",
		"0xZZ11111111111111111111111111111111111111",
	}
)

func TransactionFilterByPhone(phone string) model.TransactionFilter {
	return model.TransactionFilter{
		PhoneNumber: &phone,
		Limit:       50,
		Offset:      0,
		Desc:        false,
	}
}

func TransactionFilterByStatus(statuses ...model.TransactionStatus) model.TransactionFilter {
	return model.TransactionFilter{
		Statuses: statuses,
		Limit:    50,
		Offset:   0,
	}
}

func TransactionFilterByTimeRange(from, to time.Time) model.TransactionFilter {
	return model.TransactionFilter{
		From:   &from,
		To:     &to,
		Limit:  50,
		Offset: 0,
	}
}
