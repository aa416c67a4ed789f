package handlers

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"tradeworks/paymaster/pkg/models"
)

// validateDestinationAddress checks a provider-provisioned address before it
// is persisted. A malformed address means funds sent there are lost, so a
// validation failure is fatal to the issuance attempt.
func validateDestinationAddress(currency models.SettlementCurrency, address string) error {
	switch currency {
	case models.CurrencyBTC:
		decoded, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
		if err != nil {
			return fmt.Errorf("%w: invalid btc address: %v", models.ErrInvalidInput, err)
		}
		if !decoded.IsForNet(&chaincfg.MainNetParams) {
			return fmt.Errorf("%w: btc address is not for mainnet", models.ErrInvalidInput)
		}
		return nil

	case models.CurrencyETH, models.CurrencyUSDC, models.CurrencyUSDT:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%w: invalid %s address", models.ErrInvalidInput, currency)
		}
		hexPart := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
		hasUpper := strings.ContainsAny(hexPart, "ABCDEF")
		hasLower := strings.ContainsAny(hexPart, "abcdef")
		// Mixed case carries an EIP-55 checksum; single-case addresses do not.
		if hasUpper && hasLower && eip55Address(address) != address {
			return fmt.Errorf("%w: %s address failed checksum", models.ErrInvalidInput, currency)
		}
		return nil

	default:
		return models.ErrUnsupportedCurrency
	}
}

// eip55Address returns the EIP-55 checksummed form of a hex address:
// each hex letter is uppercased when the corresponding nibble of
// keccak256(lowercase address) is >= 8.
func eip55Address(address string) string {
	hexAddr := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(hexAddr))
	hash := hasher.Sum(nil)

	result := make([]byte, len(hexAddr))
	for i := 0; i < len(hexAddr); i++ {
		c := hexAddr[i]
		if c >= 'a' && c <= 'f' {
			nibble := hash[i/2]
			if i%2 == 0 {
				nibble >>= 4
			} else {
				nibble &= 0x0f
			}
			if nibble >= 8 {
				c -= 'a' - 'A'
			}
		}
		result[i] = c
	}
	return "0x" + string(result)
}
