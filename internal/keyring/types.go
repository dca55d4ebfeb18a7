package keyring

// Options selects which curves Derive produces keys for.
type Options struct {
	P256              bool
	Secp256k1Bitcoin  bool
	Secp256k1Ethereum bool
}

// Pair holds the P-256 material: an independent signing pair (Pub/Priv)
// and encryption pair (EPub/EPriv). Public keys use the compact
// "b64url(X).b64url(Y)" encoding, private scalars plain base64url, both
// without padding.
type Pair struct {
	Pub   string `json:"pub"`
	Priv  string `json:"priv"`
	EPub  string `json:"epub"`
	EPriv string `json:"epriv"`
}

// ChainKey holds one secp256k1 key with its chain-specific address.
type ChainKey struct {
	PrivateKey []byte `json:"privateKey"`
	PublicKey  []byte `json:"publicKey"`
	Address    string `json:"address"`
}

// Bundle is the result of one Derive call. Only the requested curves are
// populated. Mnemonic is set only in random-seed mode so the caller can
// offer recovery of the generated entropy.
type Bundle struct {
	P256     *Pair
	Bitcoin  *ChainKey
	Ethereum *ChainKey
	Mnemonic string
}
