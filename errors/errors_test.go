package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEBuildsKindAndOp(t *testing.T) {
	err := E("segment.Post", NotFoundError, Str("article missing"))
	e, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, "segment.Post", e.Op)
	assert.Equal(t, NotFoundError, e.Kind)
	assert.Contains(t, err.Error(), "not found")
}

func TestEPullsUpWrappedKind(t *testing.T) {
	inner := E("wire.fetch", ProtocolError, Str("bad reply"))
	outer := E("download.retrieve", inner)
	assert.Equal(t, ProtocolError, KindOf(outer))
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := E("crypto.Open", IntegrityError, Str("tag mismatch"))
	assert.True(t, Is(IntegrityError, err))
	assert.False(t, Is(AuthError, err))
}

func TestKindOfDefaultsToOther(t *testing.T) {
	assert.Equal(t, Other, KindOf(Str("plain")))
}
