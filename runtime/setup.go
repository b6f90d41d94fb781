package runtime

import (
	"encoding/hex"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/joelklabo/agentpay"
)

// Setup ensures an identity key exists in envPath, generating one on
// first run. Returns the identity address. An existing key is never
// overwritten.
func Setup(envPath string) (string, error) {
	values := map[string]string{}
	if _, err := os.Stat(envPath); err == nil {
		loaded, err := godotenv.Read(envPath)
		if err != nil {
			return "", agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "read %s: %v", envPath, err)
		}
		values = loaded
	}

	if existing := values["CLIENT_PRIVATE_KEY"]; existing != "" {
		key, err := crypto.HexToECDSA(strip0x(existing))
		if err != nil {
			return "", agentpay.NewErrorf(agentpay.ErrCodeIdentityUnavailable, "existing key in %s is invalid: %v", envPath, err)
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", agentpay.NewErrorf(agentpay.ErrCodeIdentityUnavailable, "generate key: %v", err)
	}
	values["CLIENT_PRIVATE_KEY"] = "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	if err := godotenv.Write(values, envPath); err != nil {
		return "", agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "write %s: %v", envPath, err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func strip0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
