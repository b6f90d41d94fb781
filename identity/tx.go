package identity

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// SignTx signs a settlement-chain transaction with the wallet key.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
