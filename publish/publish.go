// Package publish is the Publisher (C8): it builds the encrypted core
// index for a folder version, mints a share identifier, and enforces
// the three access tiers (§4.8). It reads the finished segment map
// from the Metadata Store under one read transaction, posts the index
// through the Wire Layer exactly like any other article, and persists
// the resulting Share (and, for PRIVATE, one Commitment per authorized
// user) under one write transaction.
//
// It mirrors the Segmenter (index.Indexer/segment.Segmenter)'s
// transactional-read-then-emit shape, and calls straight into the
// Crypto Kernel (C2) for every key operation, the same dependency
// pattern every other component above store/crypto follows (§9's
// dependency DAG).
package publish

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"time"

	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/download"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

// shareIDEncoding is the "15 random bytes, base-32, 24 chars, no
// padding" encoding §4.8 pins for a share identifier.
var shareIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CoreIndex is the decrypted, decompressed core index (§4.8): the
// only artifact required to reconstruct a folder version. Its
// Files/Packs fields are exactly the shape download.Manifest wants,
// since the whole point of the core index is to hand a fetcher that
// shape without any access to the publisher's own Metadata Store rows.
type CoreIndex struct {
	FolderID        usenetsync.FolderID
	FolderVersion   int64
	FolderPublicKey []byte
	CreatedAt       time.Time
	FileCount       int64
	ByteCount       int64
	Files           []download.FileManifest
	Packs           []download.PackManifest
}

// TierParams carries whatever tier-specific authorization material
// PublishFolder or FetchShare needs: authorized user identifiers for
// PRIVATE, a password for PROTECTED. Unused fields for a given tier
// are ignored.
type TierParams struct {
	AuthorizedUserIDs []string
	Password          string
	UserID            string
}

// Result is what PublishFolder returns.
type Result struct {
	ShareID usenetsync.ShareID
	// AccessString is non-empty only for TierPublic: the share id and
	// content key concatenated and base-32 encoded (§4.8), the only
	// credential a PUBLIC-tier fetcher needs.
	AccessString string
}

// Publisher implements C8 against one Metadata Store, Crypto Kernel,
// and Wire Layer.
type Publisher struct {
	store  *store.Store
	kernel *crypto.Kernel
	wire   *wire.Layer
}

// New constructs a Publisher.
func New(s *store.Store, k *crypto.Kernel, w *wire.Layer) *Publisher {
	return &Publisher{store: s, kernel: k, wire: w}
}

// PublishFolder runs the publication flow of §4.8 steps 1-5 for
// folderID's current version.
func (p *Publisher) PublishFolder(ctx context.Context, folderID usenetsync.FolderID, tier usenetsync.Tier, params TierParams) (*Result, error) {
	const op = "publish.PublishFolder"

	var folder *usenetsync.Folder
	var owner *usenetsync.User
	var idx *CoreIndex
	if err := p.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		if err != nil {
			return err
		}
		owner, err = store.GetUser(txn)
		if err != nil {
			return err
		}
		idx, err = buildCoreIndex(txn, folder)
		return err
	}); err != nil {
		return nil, errors.E(op, err)
	}

	kp, err := p.kernel.OpenPrivateKey(ed25519.PublicKey(folder.SigningPublicKey), folder.SealedPrivateKey)
	if err != nil {
		return nil, errors.E(op, err)
	}
	contentKey, err := p.kernel.ContentKeyForFolderVersion(kp, folder.ID, folder.Version)
	if err != nil {
		return nil, errors.E(op, err)
	}

	body, err := encodeIndex(idx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	compressed, err := compress(body)
	if err != nil {
		return nil, errors.E(op, err)
	}
	signature := kp.Sign(compressed)

	envelope, err := encodeEnvelope(&indexEnvelope{Payload: compressed, Signature: signature})
	if err != nil {
		return nil, errors.E(op, err)
	}
	ciphertext, err := p.kernel.Encrypt(contentKey, envelope)
	if err != nil {
		return nil, errors.E(op, err)
	}

	subject, err := p.kernel.NewPostedSubject()
	if err != nil {
		return nil, errors.E(op, err)
	}
	articleRef, err := p.wire.PostIndexArticle(ctx, subject, ciphertext)
	if err != nil {
		return nil, errors.E(op, err)
	}

	shareID, err := p.newShareID()
	if err != nil {
		return nil, errors.E(op, err)
	}

	share := &usenetsync.Share{
		ID:                    shareID,
		FolderID:              folder.ID,
		FolderVersion:         folder.Version,
		Tier:                  tier,
		EncryptedCoreIndexRef: []byte(articleRef),
		OwnerID:               owner.ID,
		CreatedAt:             timeNow(),
		Signature:             signature,
	}

	var commitments []*usenetsync.Commitment
	switch tier {
	case usenetsync.TierPublic:
		share.PublicContentKeyWrapped = contentKey

	case usenetsync.TierPrivate:
		if len(params.AuthorizedUserIDs) == 0 {
			return nil, errors.E(op, errors.PolicyError, errors.Str("PRIVATE tier requires at least one authorized user"))
		}
		for _, uid := range params.AuthorizedUserIDs {
			wrapped, err := p.kernel.WrapContentKeyForUser(uid, contentKey)
			if err != nil {
				return nil, errors.E(op, err)
			}
			commitments = append(commitments, &usenetsync.Commitment{
				ShareID:           shareID,
				Commitment:        p.kernel.NewCommitment(uid).Marshal(),
				WrappedContentKey: wrapped,
			})
		}

	case usenetsync.TierProtected:
		if params.Password == "" {
			return nil, errors.E(op, errors.PolicyError, errors.Str("PROTECTED tier requires a password"))
		}
		salt, err := p.kernel.NewSalt()
		if err != nil {
			return nil, errors.E(op, err)
		}
		kdfParams, wrappingKey, err := p.tuneAndDeriveWrappingKey(params.Password, salt)
		if err != nil {
			return nil, errors.E(op, err)
		}
		wrapped, err := p.kernel.Encrypt(wrappingKey, contentKey)
		if err != nil {
			return nil, errors.E(op, err)
		}
		share.ProtectedSalt = salt
		share.ProtectedKDFParams = kdfParams
		share.ProtectedWrappedContentKey = wrapped

	default:
		return nil, errors.E(op, errors.PolicyError, errors.Str("unknown tier"))
	}

	if err := p.store.WithTxn(ctx, func(txn store.Txn) error {
		if err := store.PutShare(txn, share); err != nil {
			return err
		}
		for i, uid := range params.AuthorizedUserIDs {
			if err := store.PutCommitment(txn, userCommitmentHash(uid), commitments[i]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, errors.E(op, err)
	}

	result := &Result{ShareID: shareID}
	if tier == usenetsync.TierPublic {
		accessString, err := encodeAccessString(shareID, contentKey)
		if err != nil {
			return nil, errors.E(op, err)
		}
		result.AccessString = accessString
	}
	return result, nil
}

// FetchShare locates shareID's Share row, resolves the content key
// under the tier's authorization material, retrieves and verifies the
// core-index article, and returns the manifest the Download Engine
// needs plus the resolved content key (§4.8 fetch flow; the mirror of
// PublishFolder).
func (p *Publisher) FetchShare(ctx context.Context, shareID usenetsync.ShareID, params TierParams) (*download.Manifest, []byte, error) {
	const op = "publish.FetchShare"

	var share *usenetsync.Share
	var commitments []*usenetsync.Commitment
	if err := p.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		share, err = store.GetShare(txn, shareID)
		if err != nil {
			return err
		}
		if share.Tier == usenetsync.TierPrivate {
			commitments, err = store.ListCommitments(txn, shareID)
		}
		return err
	}); err != nil {
		return nil, nil, errors.E(op, err)
	}
	if share.Revoked {
		return nil, nil, errors.E(op, errors.AuthError, errors.Str("share has been revoked"))
	}

	contentKey, err := p.resolveContentKey(share, commitments, params)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	ciphertext, err := p.wire.RetrieveArticle(ctx, string(share.EncryptedCoreIndexRef))
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	envelopeBytes, err := p.kernel.Decrypt(contentKey, ciphertext)
	if err != nil {
		return nil, nil, errors.E(op, errors.IntegrityError, err)
	}
	envelope, err := decodeEnvelope(envelopeBytes)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	body, err := decompress(envelope.Payload)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	idx, err := decodeIndex(body)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	if !crypto.Verify(ed25519.PublicKey(idx.FolderPublicKey), envelope.Payload, envelope.Signature) {
		return nil, nil, errors.E(op, errors.IntegrityError, errors.Str("core index signature verification failed"))
	}

	manifest := &download.Manifest{
		ShareID:    shareID,
		ContentKey: contentKey,
		Files:      idx.Files,
		Packs:      idx.Packs,
	}
	return manifest, contentKey, nil
}

// resolveContentKey recovers the content key under share's tier.
func (p *Publisher) resolveContentKey(share *usenetsync.Share, commitments []*usenetsync.Commitment, params TierParams) ([]byte, error) {
	const op = "publish.resolveContentKey"
	switch share.Tier {
	case usenetsync.TierPublic:
		return share.PublicContentKeyWrapped, nil

	case usenetsync.TierPrivate:
		if params.UserID == "" {
			return nil, errors.E(op, errors.PolicyError, errors.Str("PRIVATE tier requires a user identifier"))
		}
		want := p.kernel.NewCommitment(params.UserID).Marshal()
		for _, c := range commitments {
			if constantTimeEqual(c.Commitment, want) {
				return p.kernel.UnwrapContentKeyForUser(params.UserID, c.WrappedContentKey)
			}
		}
		return nil, errors.E(op, errors.AuthError, errors.Str("no commitment matches this user (never authorized or revoked)"))

	case usenetsync.TierProtected:
		if params.Password == "" {
			return nil, errors.E(op, errors.PolicyError, errors.Str("PROTECTED tier requires a password"))
		}
		wrappingKey, err := p.kernel.DeriveKeyFromPassword(params.Password, share.ProtectedSalt, share.ProtectedKDFParams)
		if err != nil {
			return nil, err
		}
		return p.kernel.Decrypt(wrappingKey, share.ProtectedWrappedContentKey)

	default:
		return nil, errors.E(op, errors.PolicyError, errors.Str("unknown tier"))
	}
}

// Revoke removes userID's commitment/wrapped-key row from shareID
// (§4.8 revocation): subsequent FetchShare calls for that identifier
// fail to match any remaining commitment. The substrate articles
// remain posted (write-once model) but are unreachable without the
// wrapped key.
func (p *Publisher) Revoke(ctx context.Context, shareID usenetsync.ShareID, userID string) error {
	const op = "publish.Revoke"
	return p.store.WithTxn(ctx, func(txn store.Txn) error {
		share, err := store.GetShare(txn, shareID)
		if err != nil {
			return err
		}
		if share.Tier != usenetsync.TierPrivate {
			return errors.E(op, errors.PolicyError, errors.Str("only PRIVATE shares support per-user revocation"))
		}
		return store.DeleteCommitment(txn, shareID, userCommitmentHash(userID))
	})
}

// tuneAndDeriveWrappingKey picks PROTECTED tier KDF parameters via
// crypto.AutoTuneParams, probing with salt and a throwaway secret, then
// derives the actual wrapping key from params.Password under the
// chosen parameters and the real salt (§4.8, §5 KDF auto-tune).
func (p *Publisher) tuneAndDeriveWrappingKey(password string, salt []byte) (usenetsync.KDFParams, []byte, error) {
	kdfParams := crypto.AutoTuneParams(func(params usenetsync.KDFParams) time.Duration {
		start := timeNow()
		_, _ = p.kernel.DeriveKeyFromPassword("usenetsync-kdf-probe", salt, params)
		return timeNow().Sub(start)
	})
	wrappingKey, err := p.kernel.DeriveKeyFromPassword(password, salt, kdfParams)
	if err != nil {
		return usenetsync.KDFParams{}, nil, err
	}
	return kdfParams, wrappingKey, nil
}

// newShareID mints 15 random bytes and base-32 encodes them: 24
// characters, no tier prefix, no embedded version, nothing derivable
// from substrate data (§4.8).
func (p *Publisher) newShareID() (usenetsync.ShareID, error) {
	raw, err := p.kernel.RandomBytes(15)
	if err != nil {
		return "", err
	}
	return usenetsync.ShareID(shareIDEncoding.EncodeToString(raw)), nil
}

// encodeAccessString concatenates shareID's raw bytes with contentKey
// and base-32 encodes the result, the "share id + content key,
// base-encoded" access string §4.8 specifies for PUBLIC shares.
func encodeAccessString(shareID usenetsync.ShareID, contentKey []byte) (string, error) {
	const op = "publish.encodeAccessString"
	raw, err := shareIDEncoding.DecodeString(string(shareID))
	if err != nil {
		return "", errors.E(op, errors.CryptoError, err)
	}
	buf := make([]byte, 0, len(raw)+len(contentKey))
	buf = append(buf, raw...)
	buf = append(buf, contentKey...)
	return shareIDEncoding.EncodeToString(buf), nil
}

// shareIDRawLen is the fixed width of a share id's decoded bytes
// (§4.8: "15 bytes of uniform randomness").
const shareIDRawLen = 15

// DecodeAccessString recovers the share id and embedded content key
// from a PUBLIC-tier access string.
func DecodeAccessString(accessString string) (usenetsync.ShareID, []byte, error) {
	const op = "publish.DecodeAccessString"
	buf, err := shareIDEncoding.DecodeString(accessString)
	if err != nil {
		return "", nil, errors.E(op, errors.CryptoError, err)
	}
	if len(buf) <= shareIDRawLen {
		return "", nil, errors.E(op, errors.PolicyError, errors.Str("access string too short to contain a share id and content key"))
	}
	shareID := usenetsync.ShareID(shareIDEncoding.EncodeToString(buf[:shareIDRawLen]))
	contentKey := buf[shareIDRawLen:]
	return shareID, contentKey, nil
}

// userCommitmentHash is the deterministic lookup key under which a
// PRIVATE share's per-user Commitment row is stored, so Revoke can
// delete it without scanning every commitment for the share.
func userCommitmentHash(userID string) string {
	h := sha256.Sum256([]byte("usenetsync-commitment-row|" + userID))
	return hex.EncodeToString(h[:])
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// timeNow is a seam for tests; production always calls time.Now.
func timeNow() time.Time { return time.Now() }
