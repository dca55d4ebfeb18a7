package keyring

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	saltSigning           = "signing-v1"
	saltEncryption        = "encryption-v1"
	saltSecp256k1Bitcoin  = "secp256k1-bitcoin-v1"
	saltSecp256k1Ethereum = "secp256k1-ethereum-v1"

	stretchIterations = 300_000
	scalarSize        = 32
	minSeedLen        = 16
)

var (
	ErrInsufficientEntropy = errors.New("derivation input is too short")
	ErrDerivation          = errors.New("derived key rejected by curve")
)

// Derive produces key material for the requested curves from a password and
// optional extra strings. A nil or empty password switches to random-seed
// mode: 32 random bytes stand in for the password and the bundle carries a
// recovery mnemonic for them. Given the same password, extras and options the
// output is byte-identical across calls.
func Derive(password []byte, extra []string, opts Options) (*Bundle, error) {
	bundle := &Bundle{}

	seed := normalizeBytes(password)
	if len(seed) == 0 {
		entropy := make([]byte, 32)
		if _, err := rand.Read(entropy); err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = entropy
		bundle.Mnemonic = mnemonic
	}
	if len(extra) > 0 {
		normalized := make([]string, 0, len(extra))
		for _, s := range extra {
			normalized = append(normalized, normalizeString(s))
		}
		seed = append(seed, []byte(strings.Join(normalized, "|"))...)
	}
	if len(seed) < minSeedLen {
		return nil, ErrInsufficientEntropy
	}

	if opts.P256 {
		pair, err := deriveP256(seed)
		if err != nil {
			return nil, err
		}
		bundle.P256 = pair
	}
	if opts.Secp256k1Bitcoin {
		key, err := deriveSecp256k1(seed, saltSecp256k1Bitcoin, true)
		if err != nil {
			return nil, err
		}
		key.Address = bitcoinAddress(key.PublicKey)
		bundle.Bitcoin = key
	}
	if opts.Secp256k1Ethereum {
		key, err := deriveSecp256k1(seed, saltSecp256k1Ethereum, false)
		if err != nil {
			return nil, err
		}
		key.Address = ethereumAddress(key.PublicKey)
		bundle.Ethereum = key
	}
	return bundle, nil
}

func deriveP256(seed []byte) (*Pair, error) {
	curve := elliptic.P256()
	signing := deriveScalar(seed, saltSigning, curve.Params().N)
	encryption := deriveScalar(seed, saltEncryption, curve.Params().N)

	pub, err := p256Public(curve, signing)
	if err != nil {
		return nil, err
	}
	epub, err := p256Public(curve, encryption)
	if err != nil {
		return nil, err
	}
	return &Pair{
		Pub:   pub,
		Priv:  base64.RawURLEncoding.EncodeToString(signing),
		EPub:  epub,
		EPriv: base64.RawURLEncoding.EncodeToString(encryption),
	}, nil
}

func p256Public(curve elliptic.Curve, scalar []byte) (string, error) {
	x, y := curve.ScalarBaseMult(scalar)
	if x.Sign() == 0 && y.Sign() == 0 {
		return "", ErrDerivation
	}
	xb := make([]byte, scalarSize)
	yb := make([]byte, scalarSize)
	x.FillBytes(xb)
	y.FillBytes(yb)
	return base64.RawURLEncoding.EncodeToString(xb) + "." + base64.RawURLEncoding.EncodeToString(yb), nil
}

func deriveSecp256k1(seed []byte, salt string, compressed bool) (*ChainKey, error) {
	scalar := deriveScalar(seed, salt, secp256k1.S256().N)
	priv := secp256k1.PrivKeyFromBytes(scalar)
	if priv.Key.IsZero() {
		return nil, ErrDerivation
	}
	pub := priv.PubKey()
	var encoded []byte
	if compressed {
		encoded = pub.SerializeCompressed()
	} else {
		encoded = pub.SerializeUncompressed()
	}
	return &ChainKey{PrivateKey: scalar, PublicKey: encoded}, nil
}

// deriveScalar stretches the seed into a candidate private key for the curve
// whose order is n. An all-zero stretch gets its low byte set to 1; a result
// at or above the order is pinned to a fixed value below it rather than
// reduced mod n, preserving the original key space.
func deriveScalar(seed []byte, salt string, n *big.Int) []byte {
	stretched := pbkdf2.Key(seed, []byte(salt), stretchIterations, scalarSize, sha256.New)
	return clampScalar(stretched, n)
}

func clampScalar(candidate []byte, n *big.Int) []byte {
	allZero := true
	for _, b := range candidate {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		out := append([]byte(nil), candidate...)
		out[len(out)-1] = 1
		return out
	}
	k := new(big.Int).SetBytes(candidate)
	if k.Cmp(n) >= 0 {
		out := make([]byte, scalarSize)
		new(big.Int).Sub(n, big.NewInt(2)).FillBytes(out)
		return out
	}
	return candidate
}

func normalizeString(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(normalizeString(string(b)))
}
