package codec

import (
	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
)

const (
	trTypeRegister   = "1"
	trTypeDeregister = "2"
)

type controlRequest struct {
	Header controlRequestHeader `json:"header"`
	Body   controlRequestBody   `json:"body"`
}

type controlRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type controlRequestBody struct {
	Input controlRequestInput `json:"input"`
}

type controlRequestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

// SubscribeFrame builds the register control frame for key.
func SubscribeFrame(approvalKey string, key entity.SubscriptionKey) ([]byte, error) {
	return buildControlFrame(approvalKey, trTypeRegister, key)
}

func UnsubscribeFrame(approvalKey string, key entity.SubscriptionKey) ([]byte, error) {
	return buildControlFrame(approvalKey, trTypeDeregister, key)
}

func buildControlFrame(approvalKey, trType string, key entity.SubscriptionKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(controlRequest{
		Header: controlRequestHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: controlRequestBody{
			Input: controlRequestInput{
				TrID:  key.Kind.TrID(),
				TrKey: key.Symbol,
			},
		},
	})
}
