package crypto

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/hkdf"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/usenetsync"
)

// ContentKeyForFolderVersion derives the symmetric key the Segmenter
// (C4) encrypts every segment of one (folder, version) under (§4.4
// step 5b: "AEAD-encrypt under the folder's content key derived for
// this (folder, version)"). Deriving rather than storing the key
// means no content key ever needs its own row in the Metadata Store;
// it is reconstructed on demand from the folder's private signing
// key, the same way InternalSubject derives its tag from kp.private.
func (k *Kernel) ContentKeyForFolderVersion(kp *Ed25519KeyPair, folderID usenetsync.FolderID, version int64) ([]byte, error) {
	const op = "crypto.ContentKeyForFolderVersion"
	info := make([]byte, 0, len(folderID)+8)
	info = append(info, []byte(folderID)...)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], uint64(version))
	info = append(info, vbuf[:]...)

	key := make([]byte, KeySize)
	if _, err := hkdf.Expand(sha256.New, kp.private.Seed(), append([]byte("usenetsync-content-key|"), info...)).Read(key); err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	return key, nil
}
