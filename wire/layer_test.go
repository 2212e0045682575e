package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/usenetsync"
)

func TestLayerPostAndRetrieveRoundTrip(t *testing.T) {
	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()

	cfg := testWireConfig()
	cfg.Host = host
	cfg.Port = port

	l := New(cfg, []string{"alt.test"}, testKernel(t))
	defer l.Close()

	seg := &usenetsync.Segment{PostedSubject: "ABCDEFGHIJ1234567890"}
	ciphertext := make([]byte, 2000)
	for i := range ciphertext {
		ciphertext[i] = byte(i % 256)
	}

	ref, err := l.PostSegment(context.Background(), seg, ciphertext)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := l.RetrieveSegment(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, ciphertext, got)
}

func TestLayerRetrieveMissingArticleIsNotFound(t *testing.T) {
	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()

	cfg := testWireConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.RetryAttempts = 1

	l := New(cfg, []string{"alt.test"}, testKernel(t))
	defer l.Close()

	_, err := l.RetrieveSegment(context.Background(), "<nonexistent@news.example.net>")
	require.Error(t, err)
	require.True(t, errors.Is(errors.NotFoundError, err))
}

// TestLayerRegeneratesMessageIDOnceOnDuplicate confirms a single NNTP
// 441 duplicate-message-id response is absorbed by regenerating the
// Message-ID and retrying exactly once, per §4.5.
func TestLayerRegeneratesMessageIDOnceOnDuplicate(t *testing.T) {
	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()
	srv.rejectPostAsDuplicate(1)

	cfg := testWireConfig()
	cfg.Host = host
	cfg.Port = port

	l := New(cfg, []string{"alt.test"}, testKernel(t))
	defer l.Close()

	seg := &usenetsync.Segment{PostedSubject: "ABCDEFGHIJ1234567890"}
	ref, err := l.PostSegment(context.Background(), seg, []byte("short payload"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := l.RetrieveSegment(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []byte("short payload"), got)
}

// TestLayerFailsPermanentlyOnRepeatedDuplicate confirms a duplicate
// response that persists after the single regenerate-and-retry is a
// fatal, non-retried wire-layer error per §4.5.
func TestLayerFailsPermanentlyOnRepeatedDuplicate(t *testing.T) {
	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()
	srv.rejectAllPostsAsDuplicate()

	cfg := testWireConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.RetryAttempts = 3

	l := New(cfg, []string{"alt.test"}, testKernel(t))
	defer l.Close()

	seg := &usenetsync.Segment{PostedSubject: "ABCDEFGHIJ1234567890"}
	_, err := l.PostSegment(context.Background(), seg, []byte("short payload"))
	require.Error(t, err)

	srv.mu.Lock()
	postCount := srv.postCount
	srv.mu.Unlock()
	require.Equal(t, 2, postCount, "expects the original attempt plus exactly one regenerate-and-retry, no more")
}
