package agentpay

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionReferenceRoundTrip(t *testing.T) {
	ref := SessionReference("0xabc123", 7)
	assert.Equal(t, "session:0xabc123:version:7", ref)

	id, version, err := ParseSessionReference(ref)
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", id)
	assert.Equal(t, uint64(7), version)
}

func TestParseSessionReferenceRejectsMalformed(t *testing.T) {
	for _, ref := range []string{
		"",
		"session:0xabc",
		"session:0xabc:version:notanumber",
		"channel:0xabc:version:2",
		"session::version:2",
		"session:0xabc:v:2",
	} {
		_, _, err := ParseSessionReference(ref)
		assert.Error(t, err, "reference %q", ref)
	}
}

func TestBillExpired(t *testing.T) {
	now := time.Now()
	fresh := Bill{ExpiresAt: now.Add(time.Minute)}
	stale := Bill{ExpiresAt: now.Add(-time.Second)}
	open := Bill{} // no expiry set

	assert.False(t, fresh.Expired(now))
	assert.True(t, stale.Expired(now))
	assert.False(t, open.Expired(now))
}

func TestBillAmountUnits(t *testing.T) {
	n, err := Bill{Amount: "1000000"}.AmountUnits()
	require.NoError(t, err)
	assert.Equal(t, "1000000", n.String())

	for _, amount := range []string{"", "1.5", "-3", "abc"} {
		_, err := Bill{Amount: amount}.AmountUnits()
		assert.Error(t, err, "amount %q", amount)
	}
}

func TestPaymentProofValidate(t *testing.T) {
	txHash := "0x" + fmt.Sprintf("%064d", 1)

	valid := []PaymentProof{
		{Kind: ProofChannelClose, Reference: txHash, Amount: "1000000"},
		{Kind: ProofAppSessionState, Reference: "session:0xsid:version:2", Amount: "5"},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate())
	}

	invalid := []PaymentProof{
		{Kind: ProofChannelClose, Reference: "0x123", Amount: "1"},
		{Kind: ProofAppSessionState, Reference: "session:bad", Amount: "1"},
		{Kind: "bank_wire", Reference: txHash, Amount: "1"},
		{Kind: ProofChannelClose, Reference: txHash, Amount: "one"},
	}
	for _, p := range invalid {
		err := p.Validate()
		require.Error(t, err)
		assert.Equal(t, ErrCodePaymentVerificationFailed, CodeOf(err))
	}
}

func TestParsePathPreference(t *testing.T) {
	cases := map[string]PathPreference{
		"channel":     PathChannel,
		"CHANNEL":     PathChannel,
		"":            PathChannel,
		"app_session": PathAppSession,
		"yellow":      PathAppSession,
		" Yellow ":    PathAppSession,
	}
	for in, want := range cases {
		got, err := ParsePathPreference(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParsePathPreference("cash")
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigInvalid, CodeOf(err))
}

func TestCodeOfWalksWrappedErrors(t *testing.T) {
	inner := NewError(ErrCodeBillExpired, "too late")
	wrapped := fmt.Errorf("hire failed: %w", fmt.Errorf("pay: %w", inner))

	assert.Equal(t, ErrCodeBillExpired, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewError(ErrCodeClearingTimeout, "t")))
	assert.True(t, IsTransient(NewError(ErrCodeClearingProtocol, "p")))
	assert.True(t, IsTransient(NewError(ErrCodeClearingAuthRejected, "a")))
	assert.False(t, IsTransient(NewError(ErrCodeBillExpired, "b")))
	assert.False(t, IsTransient(NewError(ErrCodeQuorumPending, "q")))
	assert.False(t, IsTransient(nil))
}
