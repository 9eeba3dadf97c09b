package codec

import (
	"strings"
	"sync"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

type FrameKind int

const (
	FrameKindData FrameKind = iota
	FrameKindControl
)

// Frame is one decoded inbound message.
type Frame struct {
	Kind      FrameKind
	Encrypted bool
	TrID      string
	Count     int
	Records   []entity.Record
	Control   *ControlMessage
}

// Record returns the first data record of the frame.
func (f Frame) Record() (entity.Record, entity.StreamKind, bool) {
	if f.Kind != FrameKindData || len(f.Records) == 0 {
		return nil, "", false
	}

	return f.Records[0], f.Records[0].Kind(), true
}

// Decoder splits raw frames into records. The only state it holds is the
// AES key material used for encrypted payloads.
type Decoder struct {
	mu        sync.RWMutex
	session   CipherKey
	staticKey CipherKey
}

// NewDecoder creates a decoder. staticKey is used for encrypted payloads
// until the venue hands out a session key.
func NewDecoder(staticKey CipherKey) *Decoder {
	return &Decoder{staticKey: staticKey}
}

func (d *Decoder) SetSessionKey(key CipherKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = key
}

func (d *Decoder) ResetSessionKey() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = CipherKey{}
}

func (d *Decoder) HasSessionKey() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.session.Empty()
}

func (d *Decoder) cipherKey() CipherKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.session.Empty() {
		return d.session
	}
	return d.staticKey
}

func (d *Decoder) Decode(raw string) (Frame, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Frame{}, &entity.DecodeError{Reason: "empty frame", Frame: raw}
	}

	if strings.HasPrefix(trimmed, "{") {
		msg, err := parseControl(trimmed)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameKindControl, TrID: msg.Header.TrID, Control: msg}, nil
	}

	parts := strings.SplitN(raw, "|", 4)
	if len(parts) < 4 {
		return Frame{}, &entity.DecodeError{Reason: "expected 4 pipe-delimited segments", Frame: raw}
	}

	frame := Frame{
		Kind:      FrameKindData,
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Count:     int(ParseInt(parts[2])),
	}

	kind, ok := entity.StreamKindFromTrID(frame.TrID)
	if !ok {
		return Frame{}, &entity.DecodeError{Reason: "unsupported tr_id " + frame.TrID, Frame: raw}
	}

	payload := parts[3]
	if frame.Encrypted {
		payload = d.decrypt(payload)
	}

	records, err := splitRecords(kind, frame.Count, strings.Split(payload, "^"))
	if err != nil {
		return Frame{}, &entity.DecodeError{Reason: err.Error(), Frame: raw}
	}
	frame.Records = records

	return frame, nil
}

// decrypt falls back to the payload as received when the key is missing or
// decryption fails.
func (d *Decoder) decrypt(payload string) string {
	key := d.cipherKey()
	if key.Empty() {
		logrus.Warn("encrypted frame received without aes key, using payload as-is")
		return payload
	}

	plain, err := DecryptPayload(key, payload)
	if err != nil {
		logrus.WithError(err).Warn("aes decrypt failed, using payload as-is")
		return payload
	}

	return plain
}

func splitRecords(kind entity.StreamKind, count int, fields []string) ([]entity.Record, error) {
	width := schemaWidth(kind)
	if count > 1 && len(fields) == count*width {
		records := make([]entity.Record, 0, count)
		for i := 0; i < count; i++ {
			record, err := parseRecord(kind, fields[i*width:(i+1)*width])
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
		return records, nil
	}
	if count > 1 {
		logrus.WithFields(logrus.Fields{
			"kind":         string(kind),
			"count":        count,
			"fields":       len(fields),
			"schema_width": width,
		}).Warn("multi-record frame does not match the schema width, keeping the first record only")
	}

	record, err := parseRecord(kind, fields)
	if err != nil {
		return nil, err
	}

	return []entity.Record{record}, nil
}
