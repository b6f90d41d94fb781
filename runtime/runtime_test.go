package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/identity"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"AGENTPAY_ENDPOINT", "AGENTPAY_LISTEN", "AGENTPAY_DEMO_FEED_URL",
		"AGENTPAY_PAYMENT_METHOD", "RPC_URL", "AGENTPAY_CLEARNET_URL",
		"AGENTPAY_CHAIN_ID", "AGENTPAY_PRICE", "AGENTPAY_BILL_TTL_SECONDS",
		"AGENTPAY_POLL_SECONDS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultFeedURL, cfg.FeedURL)
	assert.Equal(t, DefaultChainRPC, cfg.RPCURL)
	assert.Equal(t, DefaultClearnetURL, cfg.ClearnetURL)
	assert.Equal(t, DefaultPrice, cfg.Price)
	assert.Equal(t, agentpay.PathAppSession, cfg.PaymentMethod)
	assert.Equal(t, int64(11155111), cfg.ChainID)
	assert.Equal(t, 5*time.Minute, cfg.BillTTL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("AGENTPAY_PAYMENT_METHOD", "channel")
	t.Setenv("AGENTPAY_CHAIN_ID", "1")
	t.Setenv("AGENTPAY_BILL_TTL_SECONDS", "60")
	t.Setenv("AGENTPAY_POLL_SECONDS", "2")
	t.Setenv("AGENTPAY_PRICE", "2500000")
	t.Setenv("AGENTPAY_ENS_NAME", "worker.agents.eth")
	t.Setenv("AGENTPAY_KNOWN_AGENTS", "alice.eth, bob.eth,")
	t.Setenv("AGENTPAY_HIRE_BY_CAPABILITY", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, agentpay.PathChannel, cfg.PaymentMethod)
	assert.Equal(t, int64(1), cfg.ChainID)
	assert.Equal(t, time.Minute, cfg.BillTTL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "2500000", cfg.Price)
	assert.Equal(t, "worker.agents.eth", cfg.ENSName)
	assert.Equal(t, []string{"alice.eth", "bob.eth"}, cfg.KnownAgents)
	assert.True(t, cfg.HireByCapability)
}

func TestLoadConfigRejectsUnknownPaymentMethod(t *testing.T) {
	t.Setenv("AGENTPAY_PAYMENT_METHOD", "barter")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeConfigInvalid, agentpay.CodeOf(err))
}

func TestLoadConfigRejectsNonNumericInt(t *testing.T) {
	t.Setenv("AGENTPAY_CHAIN_ID", "sepolia")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeConfigInvalid, agentpay.CodeOf(err))
}

func TestSetupGeneratesKeyOnce(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")

	addr, err := Setup(envPath)
	require.NoError(t, err)
	assert.Len(t, addr, 42)

	values, err := godotenv.Read(envPath)
	require.NoError(t, err)
	assert.NotEmpty(t, values["CLIENT_PRIVATE_KEY"])

	again, err := Setup(envPath)
	require.NoError(t, err)
	assert.Equal(t, addr, again, "existing key is kept")
}

func TestSetupPreservesExistingKey(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	const key = "0x4646464646464646464646464646464646464646464646464646464646464646"
	require.NoError(t, godotenv.Write(map[string]string{
		"CLIENT_PRIVATE_KEY": key,
		"AGENTPAY_ENS_NAME":  "keepme.eth",
	}, envPath))

	wallet, err := identity.FromPrivateKey(key)
	require.NoError(t, err)

	addr, err := Setup(envPath)
	require.NoError(t, err)
	assert.Equal(t, wallet.AddressHex(), addr)

	values, err := godotenv.Read(envPath)
	require.NoError(t, err)
	assert.Equal(t, "keepme.eth", values["AGENTPAY_ENS_NAME"], "other entries untouched")
}

func TestSetupRejectsInvalidExistingKey(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, godotenv.Write(map[string]string{"CLIENT_PRIVATE_KEY": "0xnothex"}, envPath))

	_, err := Setup(envPath)
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeIdentityUnavailable, agentpay.CodeOf(err))
}
