package codec

import (
	"strconv"
	"strings"
	"testing"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCipher = CipherKey{Key: "0123456789abcdef0123456789abcdef", IV: "abcdef0123456789"}

const samsungTick = "005930^091530^73100^2^500^0.69^72950^72800^73200^72700^73200^73100^10^123456^9012345678^40^55^15^101.5"

func TestDecodeExecutionFrame(t *testing.T) {
	d := NewDecoder(CipherKey{})

	frame, err := d.Decode("0|H0STCNT0|001|" + samsungTick)
	require.NoError(t, err)
	assert.Equal(t, FrameKindData, frame.Kind)
	assert.False(t, frame.Encrypted)
	assert.Equal(t, 1, frame.Count)

	record, kind, ok := frame.Record()
	require.True(t, ok)
	assert.Equal(t, entity.StreamKindExecution, kind)

	exec, ok := record.(*entity.ExecutionRecord)
	require.True(t, ok)
	assert.Equal(t, "005930", exec.Symbol)
	assert.Equal(t, "091530", exec.Time)
	assert.Equal(t, 73100.0, exec.LastPrice)
	assert.Equal(t, entity.ChangeSignUp, exec.ChangeSign)
	assert.Equal(t, 500.0, exec.Change)
	assert.Equal(t, 0.69, exec.ChangeRate)
	assert.Equal(t, 73200.0, exec.AskPrice)
	assert.Equal(t, 73100.0, exec.BidPrice)
	assert.Equal(t, int64(10), exec.Volume)
	assert.Equal(t, int64(123456), exec.CumulativeVolume)
	assert.Equal(t, 101.5, exec.ExecutionStrength)
	assert.Zero(t, exec.TotalAskSize)
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	d := NewDecoder(CipherKey{})

	tests := map[string]string{
		"missing payload segment": "0|H0STCNT0|001",
		"too few caret fields":    "0|H0STCNT0|001|005930^091530^73100",
		"short order book":        "0|H0STASP0|001|005930^091530^0^73200",
		"unknown tr_id":           "0|H0STXXX0|001|" + samsungTick,
		"empty":                   "   ",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, entity.ErrDecode)

			var decodeErr *entity.DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestDecodeIgnoresExtraTrailingFields(t *testing.T) {
	d := NewDecoder(CipherKey{})

	extra := make([]string, 80)
	for i := range extra {
		extra[i] = "9"
	}
	raw := "0|H0STCNT0|001|" + samsungTick + "^" + strings.Join(extra, "^")

	frame, err := d.Decode(raw)
	require.NoError(t, err)
	require.Len(t, frame.Records, 1)
	assert.Equal(t, 73100.0, frame.Records[0].(*entity.ExecutionRecord).LastPrice)
}

func TestDecodeKeepsPipeInsidePayload(t *testing.T) {
	d := NewDecoder(CipherKey{})

	frame, err := d.Decode("0|H0STCNT0|001|005930^09|1530^73100^2^500^0.69")
	require.NoError(t, err)
	assert.Equal(t, "09|1530", frame.Records[0].(*entity.ExecutionRecord).Time)
}

func TestDecodeBadNumericFieldsDegradeToZero(t *testing.T) {
	d := NewDecoder(CipherKey{})

	frame, err := d.Decode("0|H0STCNT0|001|005930^091530^abc^9^^x")
	require.NoError(t, err)

	exec := frame.Records[0].(*entity.ExecutionRecord)
	assert.Equal(t, "005930", exec.Symbol)
	assert.Zero(t, exec.LastPrice)
	assert.Equal(t, entity.ChangeSignFlat, exec.ChangeSign)
	assert.Zero(t, exec.Change)
	assert.Zero(t, exec.ChangeRate)
}

func TestDecodeOrderBook(t *testing.T) {
	d := NewDecoder(CipherKey{})

	fields := make([]string, OrderBookSchemaFields)
	fields[0] = "005930"
	fields[1] = "091530"
	fields[2] = "0"
	for i := 0; i < 10; i++ {
		fields[3+i] = strconv.Itoa(73200 + i*100)
		fields[13+i] = strconv.Itoa(73100 - i*100)
		fields[23+i] = strconv.Itoa(1000 + i)
		fields[33+i] = strconv.Itoa(2000 + i)
	}
	fields[43] = "50000"
	fields[44] = "60000"
	fields[47] = "73150"
	fields[48] = "321"

	frame, err := d.Decode("0|H0STASP0|001|" + strings.Join(fields, "^"))
	require.NoError(t, err)

	book, ok := frame.Records[0].(*entity.OrderBookRecord)
	require.True(t, ok)
	assert.Equal(t, "005930", book.Symbol)
	assert.Equal(t, entity.PriceLevel{Price: 73200, Size: 1000}, book.Asks[0])
	assert.Equal(t, entity.PriceLevel{Price: 74100, Size: 1009}, book.Asks[9])
	assert.Equal(t, entity.PriceLevel{Price: 73100, Size: 2000}, book.Bids[0])
	assert.Equal(t, entity.PriceLevel{Price: 72200, Size: 2009}, book.Bids[9])
	assert.Equal(t, int64(50000), book.TotalAskSize)
	assert.Equal(t, int64(60000), book.TotalBidSize)
	assert.Equal(t, 73150.0, book.ExpectedPrice)
	assert.Equal(t, int64(321), book.ExpectedVolume)
	assert.Equal(t, 100.0, book.Spread)
}

func TestDecodeOrderBookWithMinimumFields(t *testing.T) {
	d := NewDecoder(CipherKey{})

	fields := make([]string, OrderBookMinFields)
	fields[0] = "000660"
	fields[3] = "120000"

	frame, err := d.Decode("0|H0STASP0|001|" + strings.Join(fields, "^"))
	require.NoError(t, err)

	book := frame.Records[0].(*entity.OrderBookRecord)
	assert.Equal(t, 120000.0, book.Asks[0].Price)
	assert.Zero(t, book.Asks[0].Size)
	assert.Zero(t, book.Spread)
}

func TestDecodeMultiRecordFrame(t *testing.T) {
	d := NewDecoder(CipherKey{})

	first := make([]string, ExecutionSchemaFields)
	second := make([]string, ExecutionSchemaFields)
	first[0], first[2] = "005930", "73100"
	second[0], second[2] = "005930", "73200"

	raw := "0|H0STCNT0|002|" + strings.Join(first, "^") + "^" + strings.Join(second, "^")
	frame, err := d.Decode(raw)
	require.NoError(t, err)
	require.Len(t, frame.Records, 2)
	assert.Equal(t, 73100.0, frame.Records[0].(*entity.ExecutionRecord).LastPrice)
	assert.Equal(t, 73200.0, frame.Records[1].(*entity.ExecutionRecord).LastPrice)
}

func TestDecodeMisalignedMultiRecordFrameWarns(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(hook.Reset)

	frame, err := NewDecoder(CipherKey{}).Decode("0|H0STCNT0|002|" + samsungTick)
	require.NoError(t, err)
	require.Len(t, frame.Records, 1)
	assert.Equal(t, 73100.0, frame.Records[0].(*entity.ExecutionRecord).LastPrice)

	var warned *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "multi-record") {
			warned = entry
		}
	}
	require.NotNil(t, warned)
	assert.Equal(t, 2, warned.Data["count"])
	assert.Equal(t, 19, warned.Data["fields"])
}

func TestDecodeEncryptedWithSessionKey(t *testing.T) {
	d := NewDecoder(CipherKey{})
	d.SetSessionKey(testCipher)

	encrypted, err := EncryptPayload(testCipher, samsungTick)
	require.NoError(t, err)

	frame, err := d.Decode("1|H0STCNT0|001|" + encrypted)
	require.NoError(t, err)
	assert.True(t, frame.Encrypted)
	assert.Equal(t, 73100.0, frame.Records[0].(*entity.ExecutionRecord).LastPrice)
}

func TestDecodeEncryptedUsesStaticKeyWithoutSession(t *testing.T) {
	d := NewDecoder(testCipher)

	encrypted, err := EncryptPayload(testCipher, samsungTick)
	require.NoError(t, err)

	frame, err := d.Decode("1|H0STCNT0|001|" + encrypted)
	require.NoError(t, err)
	assert.Equal(t, "005930", frame.Records[0].(*entity.ExecutionRecord).Symbol)
}

func TestDecodeDecryptFailureFallsBackToPlaintext(t *testing.T) {
	d := NewDecoder(CipherKey{})
	d.SetSessionKey(CipherKey{Key: "ffffffffffffffffffffffffffffffff", IV: "ffffffffffffffff"})

	frame, err := d.Decode("1|H0STCNT0|001|" + samsungTick)
	require.NoError(t, err)
	assert.Equal(t, "005930", frame.Records[0].(*entity.ExecutionRecord).Symbol)
}

func TestDecryptPayloadRejectsMalformedCiphertext(t *testing.T) {
	_, err := DecryptPayload(testCipher, "not-base64^")
	require.Error(t, err)

	_, err = DecryptPayload(testCipher, "YWJj")
	require.Error(t, err)

	_, err = DecryptPayload(CipherKey{}, "YWJj")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptPayload(testCipher, samsungTick)
	require.NoError(t, err)

	plain, err := DecryptPayload(testCipher, encrypted)
	require.NoError(t, err)
	assert.Equal(t, samsungTick, plain)
}

func TestDecodeControlFrames(t *testing.T) {
	d := NewDecoder(CipherKey{})

	t.Run("pingpong", func(t *testing.T) {
		frame, err := d.Decode(`{"header":{"tr_id":"PINGPONG","datetime":"20240101093000"}}`)
		require.NoError(t, err)
		assert.Equal(t, FrameKindControl, frame.Kind)
		assert.True(t, frame.Control.IsPingPong())
		_, _, ok := frame.Record()
		assert.False(t, ok)
	})

	t.Run("subscribe ack with session key", func(t *testing.T) {
		frame, err := d.Decode(`{"header":{"tr_id":"H0STCNT0","tr_key":"005930","encrypt":"N"},"body":{"rt_cd":"0","msg_cd":"OPSP0000","msg1":"SUBSCRIBE SUCCESS","output":{"iv":"abcdef0123456789","key":"0123456789abcdef0123456789abcdef"}}}`)
		require.NoError(t, err)
		assert.True(t, frame.Control.IsSubscribeAck())

		key, ok := frame.Control.SessionCipher()
		require.True(t, ok)
		assert.Equal(t, testCipher, key)
	})

	t.Run("invalid approval", func(t *testing.T) {
		frame, err := d.Decode(`{"header":{"tr_id":"H0STCNT0","tr_key":"005930"},"body":{"rt_cd":"1","msg_cd":"OPSP0011","msg1":"invalid approval : NOT FOUND"}}`)
		require.NoError(t, err)
		assert.True(t, frame.Control.IsApprovalInvalid())
		assert.True(t, frame.Control.IsError())
		_, ok := frame.Control.SessionCipher()
		assert.False(t, ok)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := d.Decode(`{"header":`)
		assert.ErrorIs(t, err, entity.ErrDecode)
	})
}

func TestSubscribeFrame(t *testing.T) {
	payload, err := SubscribeFrame("approval-123", entity.NewSubscriptionKey("005930", entity.StreamKindExecution))
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":{"approval_key":"approval-123","custtype":"P","tr_type":"1","content-type":"utf-8"},"body":{"input":{"tr_id":"H0STCNT0","tr_key":"005930"}}}`, string(payload))

	payload, err = UnsubscribeFrame("approval-123", entity.NewSubscriptionKey("005930", entity.StreamKindOrderBook))
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":{"approval_key":"approval-123","custtype":"P","tr_type":"2","content-type":"utf-8"},"body":{"input":{"tr_id":"H0STASP0","tr_key":"005930"}}}`, string(payload))

	_, err = SubscribeFrame("approval-123", entity.NewSubscriptionKey("", entity.StreamKindExecution))
	assert.ErrorIs(t, err, entity.ErrInvalidSymbol)
}
