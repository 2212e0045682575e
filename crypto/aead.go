package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/contemptx/usenetsync/errors"
)

// NonceSize is the width of the per-message random nonce used by the
// engine's AEAD construction.
const NonceSize = chacha20poly1305.NonceSizeX

// Encrypt AEAD-encrypts plaintext under key, producing
// nonce||ciphertext||tag as a single buffer. Nonces are per-message
// random (§4.2) using XChaCha20-Poly1305's 24-byte nonce space, wide
// enough to pick randomly without a birthday-bound collision risk
// across a folder's lifetime of segments.
func (k *Kernel) Encrypt(key, plaintext []byte) ([]byte, error) {
	const op = "crypto.Encrypt"
	if len(key) != KeySize {
		return nil, errors.E(op, errors.CryptoError, errors.Str("wrong key length"))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt reverses Encrypt. An authentication failure is reported as
// errors.IntegrityError and is never retried (§7).
func (k *Kernel) Decrypt(key, sealed []byte) ([]byte, error) {
	const op = "crypto.Decrypt"
	if len(key) != KeySize {
		return nil, errors.E(op, errors.CryptoError, errors.Str("wrong key length"))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.E(op, errors.IntegrityError, errors.Str("ciphertext too short"))
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.E(op, errors.IntegrityError, err)
	}
	return pt, nil
}

// streamChunkSize is the plaintext chunk boundary used by the
// streaming AEAD path.
const streamChunkSize = 64 * 1024

// EncryptStream AEAD-encrypts plaintext too large to comfortably hold
// twice in memory, chunked at streamChunkSize, with an outer HMAC
// over the chunk sequence (index || ciphertext) to defeat chunk
// reordering, per §4.2: "an outer MAC over chunk sequence to defeat
// chunk reordering." The wire format is:
//
//	chunkCount(4) | chunkLen0(4) | chunk0 | chunkLen1(4) | chunk1 | ... | outerMAC(32)
//
// where each chunk is itself independently AEAD-sealed (so it carries
// its own nonce+tag). The outer MAC key is HMAC-SHA256(key,
// "usenetsync-stream-mac") (see streamMACKey) and is never written
// into the stream.
func (k *Kernel) EncryptStream(key, plaintext []byte) ([]byte, error) {
	const op = "crypto.EncryptStream"
	macKey, err := streamMACKey(key)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	var chunks [][]byte
	for off := 0; off < len(plaintext); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		ct, err := k.Encrypt(key, plaintext[off:end])
		if err != nil {
			return nil, errors.E(op, err)
		}
		chunks = append(chunks, ct)
	}
	mac := hmac.New(sha256.New, macKey)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(chunks)))
	out := append([]byte{}, header...)
	for i, c := range chunks {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		mac.Write(idx[:])
		mac.Write(c)
		var clen [4]byte
		binary.BigEndian.PutUint32(clen[:], uint32(len(c)))
		out = append(out, clen[:]...)
		out = append(out, c...)
	}
	out = mac.Sum(out)
	return out, nil
}

// DecryptStream reverses EncryptStream. It AEAD-opens each chunk as it
// walks the stream and compares the outer MAC after the last chunk;
// if any chunk fails to open or the recorded chunk count or positions
// have been tampered with, it returns an error and no plaintext.
func (k *Kernel) DecryptStream(key, sealed []byte) ([]byte, error) {
	const op = "crypto.DecryptStream"
	macKey, err := streamMACKey(key)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	if len(sealed) < 4+sha256.Size {
		return nil, errors.E(op, errors.IntegrityError, errors.Str("stream too short"))
	}
	macLen := sha256.Size
	body, gotMAC := sealed[:len(sealed)-macLen], sealed[len(sealed)-macLen:]
	if len(body) < 4 {
		return nil, errors.E(op, errors.IntegrityError, errors.Str("stream header truncated"))
	}
	count := binary.BigEndian.Uint32(body[:4])
	rest := body[4:]

	mac := hmac.New(sha256.New, macKey)
	var plaintext []byte
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, errors.E(op, errors.IntegrityError, errors.Str("stream chunk header truncated"))
		}
		clen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < clen {
			return nil, errors.E(op, errors.IntegrityError, errors.Str("stream chunk truncated"))
		}
		chunk := rest[:clen]
		rest = rest[clen:]

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], i)
		mac.Write(idx[:])
		mac.Write(chunk)

		pt, err := k.Decrypt(key, chunk)
		if err != nil {
			return nil, errors.E(op, errors.IntegrityError, err)
		}
		plaintext = append(plaintext, pt...)
	}
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return nil, errors.E(op, errors.IntegrityError, errors.Str("outer mac mismatch"))
	}
	return plaintext, nil
}

func streamMACKey(contentKey []byte) ([]byte, error) {
	if len(contentKey) != KeySize {
		return nil, errors.Str("wrong key length for AES-256-class key")
	}
	h := hmac.New(sha256.New, contentKey)
	h.Write([]byte("usenetsync-stream-mac"))
	return h.Sum(nil), nil
}
