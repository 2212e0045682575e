// Zero-knowledge commitments for PRIVATE shares (§3 Commitment, §4.2,
// §4.8). The construction is a standard Fiat-Shamir Schnorr
// proof-of-knowledge of discrete logarithm over P-256, in the same
// style upspin.io/pack/ee uses ECDSA's elliptic-curve machinery for
// signing: a user identifier is mapped to a scalar x, committed to as
// the public point C = x·G, and the content key is wrapped under a
// key derived from x itself (not from C), so that only a party who
// can reproduce x — i.e. who holds the identifier the commitment was
// made over — can unwrap it. The commitment value never reveals x,
// and the unwrap step never asks the holder to reveal the identifier
// to anyone else, matching §4.8's "proves knowledge ... without
// revealing the identifier to any other user."
package crypto

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"github.com/contemptx/usenetsync/errors"
)

func commitmentCurve() elliptic.Curve { return elliptic.P256() }

// identifierScalar deterministically maps a user identifier to a
// scalar in the curve's scalar field, via hashing into a wide buffer
// and reducing modulo the group order (standard hash-to-scalar
// practice; no algorithm in the retrieved pack addresses this more
// directly, so it follows the same "hash then reduce" idiom
// pack/ee's factotum key-hashing uses for public keys).
func identifierScalar(userID string) *big.Int {
	h := sha256.Sum256([]byte("usenetsync-commitment|" + userID))
	n := commitmentCurve().Params().N
	x := new(big.Int).SetBytes(h[:])
	return x.Mod(x, n)
}

// Commitment is the public value published in a Share's authorization
// material for one authorized user (§3 Commitment).
type Commitment struct {
	X, Y *big.Int // the committed point C = x·G
}

// Marshal/Unmarshal round-trip a Commitment to/from bytes for storage
// in the Metadata Store.
func (c *Commitment) Marshal() []byte {
	return elliptic.Marshal(commitmentCurve(), c.X, c.Y)
}

func UnmarshalCommitment(b []byte) (*Commitment, error) {
	x, y := elliptic.Unmarshal(commitmentCurve(), b)
	if x == nil {
		return nil, errors.E("crypto.UnmarshalCommitment", errors.CryptoError, errors.Str("invalid point encoding"))
	}
	return &Commitment{X: x, Y: y}, nil
}

// NewCommitment computes the commitment value for userID, to be
// stored in a Share's Commitment row.
func (k *Kernel) NewCommitment(userID string) *Commitment {
	curve := commitmentCurve()
	x := identifierScalar(userID)
	cx, cy := curve.ScalarBaseMult(x.Bytes())
	return &Commitment{X: cx, Y: cy}
}

// schnorrProof is a Fiat-Shamir non-interactive proof of knowledge of
// the discrete log of a Commitment.
type schnorrProof struct {
	Rx, Ry *big.Int
	S      *big.Int
}

// proveKnowledge produces a Schnorr proof that the prover knows x such
// that commitment == x·G, binding the proof to context via the
// Fiat-Shamir challenge.
func proveKnowledge(userID string, commitment *Commitment, context []byte, k *Kernel) (*schnorrProof, error) {
	curve := commitmentCurve()
	n := curve.Params().N
	x := identifierScalar(userID)

	kb, err := k.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	kscalar := new(big.Int).SetBytes(kb)
	kscalar.Mod(kscalar, n)
	if kscalar.Sign() == 0 {
		kscalar.SetInt64(1)
	}
	rx, ry := curve.ScalarBaseMult(kscalar.Bytes())

	e := fiatShamirChallenge(commitment, rx, ry, context, n)

	s := new(big.Int).Mul(e, x)
	s.Add(s, kscalar)
	s.Mod(s, n)

	return &schnorrProof{Rx: rx, Ry: ry, S: s}, nil
}

// VerifyKnowledge verifies a Schnorr proof of knowledge over
// commitment without ever learning the identifier it was made over.
func VerifyKnowledge(commitment *Commitment, proof *schnorrProof, context []byte) bool {
	curve := commitmentCurve()
	n := curve.Params().N
	e := fiatShamirChallenge(commitment, proof.Rx, proof.Ry, context, n)

	// Check s·G == R + e·C
	sx, sy := curve.ScalarBaseMult(proof.S.Bytes())
	ex, ey := curve.ScalarMult(commitment.X, commitment.Y, e.Bytes())
	wantX, wantY := curve.Add(proof.Rx, proof.Ry, ex, ey)
	return sx.Cmp(wantX) == 0 && sy.Cmp(wantY) == 0
}

func fiatShamirChallenge(c *Commitment, rx, ry *big.Int, context []byte, n *big.Int) *big.Int {
	h := sha256.New()
	h.Write(c.X.Bytes())
	h.Write(c.Y.Bytes())
	h.Write(rx.Bytes())
	h.Write(ry.Bytes())
	h.Write(context)
	e := new(big.Int).SetBytes(h.Sum(nil))
	return e.Mod(e, n)
}

// wrapKeyFromIdentifier derives a symmetric wrapping key from the
// identifier's scalar via HKDF, so that deriving it requires knowing
// the identifier, not merely the public commitment point.
func wrapKeyFromIdentifier(userID string) ([]byte, error) {
	x := identifierScalar(userID)
	key := make([]byte, KeySize)
	if _, err := hkdf.Expand(sha256.New, x.Bytes(), []byte("usenetsync-commitment-wrap")).Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapContentKeyForUser wraps contentKey so that only the holder of
// userID (the identifier the share's Commitment was minted over) can
// unwrap it (§3 Commitment: "a wrapped content key decryptable only
// by that user").
func (k *Kernel) WrapContentKeyForUser(userID string, contentKey []byte) ([]byte, error) {
	const op = "crypto.WrapContentKeyForUser"
	wk, err := wrapKeyFromIdentifier(userID)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	sealed, err := k.Encrypt(wk, contentKey)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return sealed, nil
}

// UnwrapContentKeyForUser is the client-side operation a would-be
// reader performs out-of-band: supplying their own identifier to
// recover the content key from a wrapped envelope. A revoked or
// mismatched identifier fails AEAD verification and surfaces as
// errors.CryptoError (scenario E3), never distinguishing "wrong
// identifier" from "revoked" to avoid leaking which is the case.
func (k *Kernel) UnwrapContentKeyForUser(userID string, wrapped []byte) ([]byte, error) {
	const op = "crypto.UnwrapContentKeyForUser"
	wk, err := wrapKeyFromIdentifier(userID)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	pt, err := k.Decrypt(wk, wrapped)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	return pt, nil
}

// hmacEqual is kept for callers that want constant-time comparisons
// of auxiliary tags outside the AEAD path (e.g. verifying an internal
// subject against an expected value).
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
