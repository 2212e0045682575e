package publish

import (
	"bytes"
	"encoding/gob"

	"github.com/klauspost/compress/zstd"

	"github.com/contemptx/usenetsync/errors"
)

// indexEnvelope is the structure actually serialized, compressed, and
// AEAD-encrypted as the core-index article's body (§4.8: "binary,
// compressed, then encrypted"). Signature is computed over Payload
// (the compressed CoreIndex) before Payload is ever encrypted, so
// verification never requires decrypting twice.
type indexEnvelope struct {
	Payload   []byte
	Signature []byte
}

// encodeIndex serializes idx with encoding/gob. No protobuf/msgpack
// library in the retrieved pack is reachable without a code generator
// this environment cannot run (the teacher's own golang/protobuf usage
// is entirely for its RPC client/server boundary, out of scope per §1
// Non-goals); gob is the standard library's own binary object codec
// and needs no schema compiler, so it is used directly rather than
// hand-rolling a wire format (see DESIGN.md).
func encodeIndex(idx *CoreIndex) ([]byte, error) {
	const op = "publish.encodeIndex"
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(idx); err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	return buf.Bytes(), nil
}

func decodeIndex(b []byte) (*CoreIndex, error) {
	const op = "publish.decodeIndex"
	var idx CoreIndex
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&idx); err != nil {
		return nil, errors.E(op, errors.IntegrityError, err)
	}
	return &idx, nil
}

func encodeEnvelope(e *indexEnvelope) ([]byte, error) {
	const op = "publish.encodeEnvelope"
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(b []byte) (*indexEnvelope, error) {
	const op = "publish.decodeEnvelope"
	var e indexEnvelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return nil, errors.E(op, errors.IntegrityError, err)
	}
	return &e, nil
}

// compress and decompress use github.com/klauspost/compress/zstd, the
// only compression library present anywhere in the retrieved pack
// (indirectly, via cuemby-warren and marmos91-dittofs's own
// dependency graphs); it is promoted to a direct dependency here
// since nothing in the pack's own application code calls it directly
// either, and the core index is the one component in this tree that
// needs real compression (§4.8).
func compress(b []byte) ([]byte, error) {
	const op = "publish.compress"
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil), nil
}

func decompress(b []byte) ([]byte, error) {
	const op = "publish.decompress"
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.E(op, errors.CryptoError, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, errors.E(op, errors.IntegrityError, err)
	}
	return out, nil
}
