package keyring

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/models"
)

// ErrDerivation wraps malformed chain/currency identifiers. Validated config
// should make it unreachable; it fails invoice creation fast if not.
var ErrDerivation = errors.New("derivation error")

// Keyring is the sole holder of the operator seed. It exposes key material
// only through Signer capabilities and never serializes it.
type Keyring struct {
	master *hdkeychain.ExtendedKey
	cfg    *config.Config
}

func New(seedPhrase string, cfg *config.Config) (*Keyring, error) {
	if !bip39.IsMnemonicValid(seedPhrase) {
		return nil, fmt.Errorf("invalid seed phrase")
	}
	seed := bip39.NewSeed(seedPhrase, "")

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to build master key: %w", err)
	}
	return &Keyring{master: master, cfg: cfg}, nil
}

// Derive computes the signer for (chain, currency, index). Deterministic:
// the same inputs reproduce the same address after a restart. Distinct
// indices yield distinct addresses; the index namespace is per chain.
func (k *Keyring) Derive(chain models.Chain, currency models.Currency, index uint32) (*Signer, error) {
	cc := k.cfg.Chain(chain)
	if cc == nil {
		return nil, fmt.Errorf("%w: unknown chain %q", ErrDerivation, chain)
	}
	if _, ok := cc.Currency(currency); !ok {
		return nil, fmt.Errorf("%w: unknown currency %q on chain %q", ErrDerivation, currency, chain)
	}

	// m/44'/60'/chainAccount'/0/index. The hardened account is derived from
	// the chain name so it survives restarts and config reordering.
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + chainAccount(chain),
		0,
		index,
	}

	key := k.master
	var err error
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("%w: deriving %s/%d: %v", ErrDerivation, chain, index, err)
		}
	}

	btcPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: extracting key for %s/%d: %v", ErrDerivation, chain, index, err)
	}
	priv := btcPriv.ToECDSA()

	return &Signer{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// chainAccount maps a chain name to a stable 31-bit account number.
func chainAccount(chain models.Chain) uint32 {
	sum := sha256.Sum256([]byte(chain))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7FFFFFFF
}

// Signer signs on behalf of one derived address. The private key never leaves
// this type.
type Signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func (s *Signer) Address() string {
	return s.addr.Hex()
}

func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.priv)
}

// SignDigest produces a 65-byte [R || S || V] secp256k1 signature over a
// 32-byte digest.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.priv)
}
