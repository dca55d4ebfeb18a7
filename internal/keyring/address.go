package keyring

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

const bitcoinVersionP2PKH = 0x00

// bitcoinAddress encodes a compressed public key as a P2PKH address:
// Base58Check over version byte plus HASH160 of the key.
func bitcoinAddress(compressedPub []byte) string {
	sha := sha256.Sum256(compressedPub)
	ripe := ripemd160.New()
	ripe.Write(sha[:])

	payload := append([]byte{bitcoinVersionP2PKH}, ripe.Sum(nil)...)
	return base58.Encode(append(payload, checksum(payload)...))
}

// ethereumAddress encodes an uncompressed public key as a bare hex address:
// last 20 bytes of Keccak-256 over the 64 coordinate bytes, lowercase, no
// EIP-55 checksum casing.
func ethereumAddress(uncompressedPub []byte) string {
	keccak := sha3.NewLegacyKeccak256()
	keccak.Write(uncompressedPub[1:])
	digest := keccak.Sum(nil)
	return "0x" + hex.EncodeToString(digest[len(digest)-20:])
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
