// Package runtime assembles process-wide state once at startup: the
// environment-derived configuration, the identity wallet, and the
// logger. Everything downstream receives it explicitly.
package runtime

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/identity"
)

// Defaults for the sandbox deployment. All are overridable by env.
const (
	DefaultClearnetURL = "wss://clearnet-sandbox.yellow.com/ws"
	DefaultChainRPC    = "https://rpc.sepolia.org"
	DefaultFeedURL     = "http://127.0.0.1:8700"
	DefaultEndpoint    = "http://127.0.0.1:9000"
	DefaultListenAddr  = ":9000"
	DefaultPrice       = "1000000" // 1 AP in base units
)

// Config is the environment contract.
type Config struct {
	PrivateKey       string                  // CLIENT_PRIVATE_KEY
	ENSName          string                  // AGENTPAY_ENS_NAME
	Endpoint         string                  // AGENTPAY_ENDPOINT
	ListenAddr       string                  // AGENTPAY_LISTEN
	FeedURL          string                  // AGENTPAY_DEMO_FEED_URL
	PaymentMethod    agentpay.PathPreference // AGENTPAY_PAYMENT_METHOD
	StatusFile       string                  // AGENTPAY_STATUS_FILE
	RPCURL           string                  // RPC_URL
	ClearnetURL      string                  // AGENTPAY_CLEARNET_URL
	CustodyAddress   string                  // AGENTPAY_CUSTODY_ADDRESS
	AssetToken       string                  // AGENTPAY_ASSET_TOKEN
	ChainID          int64                   // AGENTPAY_CHAIN_ID
	Price            string                  // AGENTPAY_PRICE
	BillTTL          time.Duration           // AGENTPAY_BILL_TTL_SECONDS
	PollInterval     time.Duration           // AGENTPAY_POLL_SECONDS
	WorkerPrivateKey string                  // WORKER_PRIVATE_KEY, demo counterparty
	WorkerAddress    string                  // WORKER_ADDRESS, demo counterparty
	KnownAgents      []string                // AGENTPAY_KNOWN_AGENTS, comma-separated ENS names
	HireByCapability bool                    // AGENTPAY_HIRE_BY_CAPABILITY
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		PrivateKey:       os.Getenv("CLIENT_PRIVATE_KEY"),
		ENSName:          os.Getenv("AGENTPAY_ENS_NAME"),
		Endpoint:         envOr("AGENTPAY_ENDPOINT", DefaultEndpoint),
		ListenAddr:       envOr("AGENTPAY_LISTEN", DefaultListenAddr),
		FeedURL:          envOr("AGENTPAY_DEMO_FEED_URL", DefaultFeedURL),
		StatusFile:       os.Getenv("AGENTPAY_STATUS_FILE"),
		RPCURL:           envOr("RPC_URL", DefaultChainRPC),
		ClearnetURL:      envOr("AGENTPAY_CLEARNET_URL", DefaultClearnetURL),
		CustodyAddress:   os.Getenv("AGENTPAY_CUSTODY_ADDRESS"),
		AssetToken:       os.Getenv("AGENTPAY_ASSET_TOKEN"),
		Price:            envOr("AGENTPAY_PRICE", DefaultPrice),
		WorkerPrivateKey: os.Getenv("WORKER_PRIVATE_KEY"),
		WorkerAddress:    os.Getenv("WORKER_ADDRESS"),
		KnownAgents:      splitList(os.Getenv("AGENTPAY_KNOWN_AGENTS")),
		HireByCapability: envBool("AGENTPAY_HIRE_BY_CAPABILITY"),
	}

	method := envOr("AGENTPAY_PAYMENT_METHOD", string(agentpay.PathAppSession))
	pref, err := agentpay.ParsePathPreference(method)
	if err != nil {
		return Config{}, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "AGENTPAY_PAYMENT_METHOD: %v", err)
	}
	cfg.PaymentMethod = pref

	cfg.ChainID, err = envInt("AGENTPAY_CHAIN_ID", 11155111)
	if err != nil {
		return Config{}, err
	}
	billTTL, err := envInt("AGENTPAY_BILL_TTL_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}
	cfg.BillTTL = time.Duration(billTTL) * time.Second
	poll, err := envInt("AGENTPAY_POLL_SECONDS", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval = time.Duration(poll) * time.Second

	return cfg, nil
}

// Runtime bundles the loaded config with the identity and logger.
type Runtime struct {
	Config Config
	Wallet *identity.Wallet
	Log    *zap.Logger
}

// New loads configuration, opens the identity, and builds the logger.
func New() (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	wallet, err := identity.FromPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Runtime{Config: cfg, Wallet: wallet, Log: log}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "%s: %v", key, err)
	}
	return n, nil
}
