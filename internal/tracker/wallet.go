package tracker

import (
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ValidateWalletAddress accepts Solana base58 public keys and 0x-prefixed
// EVM addresses. Anything else is a validation error; an empty wallet is
// the dedicated ErrWalletRequired so handlers can distinguish a missing
// query parameter from a malformed one.
func ValidateWalletAddress(wallet string) error {
	if wallet == "" {
		return ErrWalletRequired
	}

	if strings.HasPrefix(wallet, "0x") || strings.HasPrefix(wallet, "0X") {
		if !isEVMAddress(wallet) {
			return newValidationError("wallet_address", "malformed EVM address")
		}
		return nil
	}

	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return newValidationError("wallet_address", "not a valid solana public key")
	}
	return nil
}

func isEVMAddress(wallet string) bool {
	if len(wallet) != 42 {
		return false
	}
	for _, ch := range wallet[2:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
