package ledger

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountEntry is one locally-known account: a bank participant whose signing
// key this engine holds so it can resubmit that sender's transfers during
// reconciliation.
type AccountEntry struct {
	BankCode   string `json:"bank_code"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Keyring resolves signing keys for locally-known sender accounts.
type Keyring struct {
	keys  map[common.Address]*ecdsa.PrivateKey
	banks map[common.Address]string
}

// NewKeyring builds a keyring from account entries. Entries whose private key
// does not match their address are rejected.
func NewKeyring(entries []AccountEntry) (*Keyring, error) {
	kr := &Keyring{
		keys:  make(map[common.Address]*ecdsa.PrivateKey, len(entries)),
		banks: make(map[common.Address]string, len(entries)),
	}
	for _, e := range entries {
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("invalid account address %q", e.Address)
		}
		addr := common.HexToAddress(e.Address)
		key, err := crypto.HexToECDSA(strings.TrimPrefix(e.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key for %s: %w", e.Address, err)
		}
		if derived := crypto.PubkeyToAddress(key.PublicKey); derived != addr {
			return nil, fmt.Errorf("private key for %s derives %s", addr.Hex(), derived.Hex())
		}
		kr.keys[addr] = key
		kr.banks[addr] = e.BankCode
	}
	return kr, nil
}

// ParseKeyring parses a JSON array of account entries, the format the
// ACCOUNTS_JSON environment variable carries.
func ParseKeyring(data string) (*Keyring, error) {
	var entries []AccountEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse accounts JSON: %w", err)
	}
	return NewKeyring(entries)
}

// SignerFor returns the signing key for an account, or an error if the
// account is not locally known.
func (k *Keyring) SignerFor(account common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := k.keys[account]
	if !ok {
		return nil, fmt.Errorf("no signing key for account %s", account.Hex())
	}
	return key, nil
}

// BankCode returns the bank code registered for an account, or empty.
func (k *Keyring) BankCode(account common.Address) string {
	return k.banks[account]
}

// Accounts returns all locally-known account addresses.
func (k *Keyring) Accounts() []common.Address {
	addrs := make([]common.Address, 0, len(k.keys))
	for addr := range k.keys {
		addrs = append(addrs, addr)
	}
	return addrs
}
