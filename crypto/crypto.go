// Package crypto is the Crypto Kernel (C2): every cryptographic
// primitive the core engine performs lives here. No other package may
// call crypto/aes, crypto/cipher, crypto/ed25519, etc. directly —
// they go through a *Kernel instead, so that key material is never
// aliased across components (§9 "object-graph ownership of keys").
//
// Grounded on upspin.io/pack/ee (AEAD-wrapped symmetric encryption,
// ECDSA-shaped signing) and upspin.io/factotum (private-key custody),
// generalized from Upspin's per-reader key wrapping to this spec's
// AEAD segment encryption, memory-hard KDF, subject/message-id
// obfuscation, and zero-knowledge share commitments.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/contemptx/usenetsync/errors"
)

// KeySize is the width, in bytes, of every symmetric content key the
// kernel produces (§4.2: "a 256-bit key").
const KeySize = 32

// Kernel is the sole owner of private key material. It is constructed
// once per store and handed to every component that needs crypto
// operations (§9: "a construction context passed in at open_store").
type Kernel struct {
	mu sync.Mutex

	// masterKey encrypts private keys and other sensitive columns at
	// rest. It is derived from a user-supplied secret or platform
	// keystore handle at Kernel construction time and is itself kept
	// only in memory.
	masterKey [KeySize]byte

	rng randSource
}

// randSource is the type of Kernel.rng, which New sets to
// crypto/rand.Reader; the kernel's random draws call crypto/rand
// directly and do not read rng.
type randSource interface {
	Read(p []byte) (int, error)
}

// New constructs a Kernel wrapping private-key material under
// masterSecret. It fails fast if the operating system's
// cryptographically secure RNG is not available, per §4.2: "the
// kernel refuses to start if none is available."
func New(masterSecret []byte) (*Kernel, error) {
	const op = "crypto.New"
	var probe [1]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return nil, errors.E(op, errors.CryptoError, errors.Str("no secure random source available"), err)
	}
	k := &Kernel{rng: rand.Reader}
	mk, err := deriveMasterKey(masterSecret)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	k.masterKey = mk
	return k, nil
}

// deriveMasterKey stretches a user secret (or keystore handle) into a
// store-level master key using the same memory-hard KDF used for
// PROTECTED shares (§4.2), with a fixed, store-local salt derived from
// the secret itself — the master key only ever needs to be
// reconstructed from the same secret on the same machine, unlike a
// PROTECTED share's salt which must be portable and is stored
// alongside the ciphertext.
func deriveMasterKey(secret []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	salt := fixedSalt(secret)
	key, err := deriveKey(secret, salt, defaultKDFParams())
	if err != nil {
		return out, err
	}
	copy(out[:], key)
	zero(key)
	return out, nil
}

// zero overwrites a byte slice with zeros on a best-effort basis, per
// §4.2: "keys in memory are zeroized after use."
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RandomBytes returns n cryptographically random bytes.
func (k *Kernel) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.E("crypto.RandomBytes", errors.CryptoError, err)
	}
	return b, nil
}

// NewContentKey returns a fresh, random 256-bit symmetric key suitable
// for AEAD-encrypting one segment or one core index (§4.2).
func (k *Kernel) NewContentKey() ([]byte, error) {
	return k.RandomBytes(KeySize)
}

// NewUserID mints the permanent 256-bit, hex-encoded operator
// identifier described in §3/§4.2. It is generated once and returned;
// the caller is responsible for never regenerating it.
func (k *Kernel) NewUserID() (string, error) {
	b, err := k.RandomBytes(KeySize)
	if err != nil {
		return "", err
	}
	return hexEncode(b), nil
}

// Ed25519KeyPair is a generated signing keypair. PrivateKey must only
// ever be handled by the Kernel that generated it; callers outside
// this package receive only signatures and public keys.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewSigningKeyPair generates a fresh Ed25519-shaped keypair for a
// Folder (§3: "generated once at creation and never rotated") or for
// the User's long-term identity.
func (k *Kernel) NewSigningKeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.E("crypto.NewSigningKeyPair", errors.CryptoError, err)
	}
	return &Ed25519KeyPair{Public: pub, private: priv}, nil
}

// Sign signs msg with the keypair's private key.
func (kp *Ed25519KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.private, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg
// under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// SealPrivateKey encrypts a keypair's private scalar under the
// kernel's master key, for storage in the Metadata Store (§4.2:
// "private keys at rest are stored encrypted under a store-level
// master key").
func (k *Kernel) SealPrivateKey(kp *Ed25519KeyPair) ([]byte, error) {
	return k.Encrypt(k.masterKey[:], kp.private)
}

// OpenPrivateKey decrypts a private key previously sealed by
// SealPrivateKey and reattaches it to its public half.
func (k *Kernel) OpenPrivateKey(pub ed25519.PublicKey, sealed []byte) (*Ed25519KeyPair, error) {
	raw, err := k.Decrypt(k.masterKey[:], sealed)
	if err != nil {
		return nil, errors.E("crypto.OpenPrivateKey", errors.CryptoError, err)
	}
	return &Ed25519KeyPair{Public: pub, private: ed25519.PrivateKey(raw)}, nil
}

func hexEncode(b []byte) string {
	const hexAlphabet = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexAlphabet[c>>4]
		out[i*2+1] = hexAlphabet[c&0x0f]
	}
	return string(out)
}
