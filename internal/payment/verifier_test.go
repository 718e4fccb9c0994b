package payment_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/payment"
)

func TestHMACVerifierKnownVector(t *testing.T) {
	v, err := payment.NewHMACVerifier("s3cret")
	require.NoError(t, err)
	p := payment.WebhookPayload{Ref: "PS-1", Status: "success", Amount: "1000", Timestamp: "1700000000"}
	require.Equal(t, "PS-1:success:1000:1700000000", p.SigningString())

	p.Signature = v.Sign(p)
	require.Len(t, p.Signature, 64)
	require.True(t, v.Verify(p))

	p.Signature = strings.ToUpper(p.Signature)
	require.True(t, v.Verify(p), "hex case is not significant")

	tampered := p
	tampered.Status = "failed"
	require.False(t, v.Verify(tampered))

	other, err := payment.NewHMACVerifier("different")
	require.NoError(t, err)
	require.False(t, other.Verify(p))
}

func TestHMACVerifierMissingAmountSignsEmptyField(t *testing.T) {
	v, err := payment.NewHMACVerifier("s3cret")
	require.NoError(t, err)
	p := payment.WebhookPayload{Ref: "PS-2", Status: "failed", Timestamp: "1700000000"}
	require.Equal(t, "PS-2:failed::1700000000", p.SigningString())
	p.Signature = v.Sign(p)
	require.True(t, v.Verify(p))
}

func TestNewHMACVerifierRequiresSecret(t *testing.T) {
	_, err := payment.NewHMACVerifier("  ")
	require.Error(t, err)
}

func TestUnsignedVerifierLogsBypass(t *testing.T) {
	var buf bytes.Buffer
	v := payment.NewUnsignedVerifier(zerolog.New(&buf))
	require.Contains(t, buf.String(), "DISABLED")
	buf.Reset()

	require.True(t, v.Verify(payment.WebhookPayload{Ref: "PS-3"}))
	require.Contains(t, buf.String(), "PS-3")
	require.Contains(t, buf.String(), `"level":"warn"`)
}

func TestWebhookPayloadKeepsLiteralScalars(t *testing.T) {
	var p payment.WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"ref":"PS-4","status":"success","amount":1000,"timestamp":"2024-05-01T10:00:00Z"}`), &p))
	require.Equal(t, payment.Scalar("1000"), p.Amount)
	require.Equal(t, "PS-4:success:1000:2024-05-01T10:00:00Z", p.SigningString())

	ts, err := p.ParsedTimestamp()
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ts.UTC())

	amount, ok, err := p.ParsedAmount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), amount)
}

func TestParsedAmount(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		present bool
		bad     bool
	}{
		{raw: "", present: false},
		{raw: "999", want: 999, present: true},
		{raw: "1000.00", want: 1000, present: true},
		{raw: "10.5", present: true, bad: true},
		{raw: "abc", present: true, bad: true},
	}
	for _, tc := range cases {
		got, ok, err := payment.WebhookPayload{Amount: payment.Scalar(tc.raw)}.ParsedAmount()
		require.Equal(t, tc.present, ok, tc.raw)
		if tc.bad {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}
}
