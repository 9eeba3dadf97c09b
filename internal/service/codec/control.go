package codec

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
)

const invalidApprovalMarker = "invalid approval"

// ControlMessage is a JSON frame sent by the venue: subscribe acks,
// keep-alives and error notices.
type ControlMessage struct {
	Header struct {
		TrID     string `json:"tr_id"`
		TrKey    string `json:"tr_key"`
		Encrypt  string `json:"encrypt"`
		Datetime string `json:"datetime"`
	} `json:"header"`
	Body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			IV  string `json:"iv"`
			Key string `json:"key"`
		} `json:"output"`
	} `json:"body"`

	Raw string `json:"-"`
}

func parseControl(raw string) (*ControlMessage, error) {
	msg := &ControlMessage{Raw: raw}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		return nil, &entity.DecodeError{Reason: "invalid control frame: " + err.Error(), Frame: raw}
	}

	return msg, nil
}

func (m *ControlMessage) IsPingPong() bool {
	return m.Header.TrID == entity.TrIDPingPong
}

// IsApprovalInvalid reports whether the venue rejected the approval key.
func (m *ControlMessage) IsApprovalInvalid() bool {
	return strings.Contains(strings.ToLower(m.Body.Msg1), invalidApprovalMarker) ||
		strings.Contains(strings.ToLower(m.Raw), invalidApprovalMarker)
}

func (m *ControlMessage) IsSubscribeAck() bool {
	return m.Body.RtCd == "0" && m.Header.TrID != "" && !m.IsPingPong()
}

func (m *ControlMessage) IsError() bool {
	return m.Body.RtCd != "" && m.Body.RtCd != "0"
}

// SessionCipher returns the AES key and IV delivered with a successful
// subscribe ack.
func (m *ControlMessage) SessionCipher() (CipherKey, bool) {
	if m.Body.RtCd != "0" {
		return CipherKey{}, false
	}

	key := CipherKey{Key: m.Body.Output.Key, IV: m.Body.Output.IV}
	if key.Empty() {
		return CipherKey{}, false
	}

	return key, true
}
