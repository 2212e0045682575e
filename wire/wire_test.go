package wire

import (
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/errors"
)

func testWireConfig() config.WireConfig {
	return config.WireConfig{
		Host: "news.test", Port: 119, TLS: false,
		PoolMinIdle: 1, PoolMaxActive: 2,
		RetryAttempts: 5, RetryBaseMS: 1, RetryCapMS: 5,
	}
}

func testKernel(t *testing.T) *crypto.Kernel {
	t.Helper()
	k, err := crypto.New([]byte("wire-test-master-secret"))
	require.NoError(t, err)
	return k
}

// backoffRetryCount drives bo exactly like backoff.Retry would,
// counting attempts, without needing a live connection.
func backoffRetryCount(bo backoff.BackOff, attempts *int) error {
	return backoff.Retry(func() error {
		*attempts++
		return errors.Str("always fails")
	}, bo)
}

func TestJoinSplitIDsRoundTrip(t *testing.T) {
	ids := []string{"<a@x>", "<b@y>", "<c@z>"}
	joined := joinIDs(ids)
	require.Equal(t, "<a@x>;<b@y>;<c@z>", joined)
	require.Equal(t, ids, splitIDs(joined))
}

func TestJoinSplitIDsSingle(t *testing.T) {
	ids := []string{"<only@x>"}
	require.Equal(t, ids, splitIDs(joinIDs(ids)))
}

func TestRetryableTaxonomy(t *testing.T) {
	require.False(t, retryable(errors.E("op", errors.AuthError, errors.Str("bad creds"))))
	require.False(t, retryable(errors.E("op", errors.IntegrityError, errors.Str("crc mismatch"))))
	require.True(t, retryable(errors.E("op", errors.IoError, errors.Str("timeout"))))
	require.True(t, retryable(errors.E("op", errors.NotFoundError, errors.Str("not propagated"))))
	require.True(t, retryable(errors.E("op", errors.ProtocolError, errors.Str("bad response"))))
}

func TestHeadersIncludeRequiredTagSet(t *testing.T) {
	l := New(testWireConfig(), []string{"alt.test"}, testKernel(t))
	h := l.headers("ABCDEFGHIJ1234567890")

	require.Equal(t, "ABCDEFGHIJ1234567890", h["Subject"])
	require.Equal(t, "alt.test", h["Newsgroups"])
	require.Equal(t, "1.0", h["X-UsenetSync"])
	require.NotEmpty(t, h["From"])
	require.NotEmpty(t, h["User-Agent"])
	require.NotEmpty(t, h["Date"])
}

func TestNewBackOffHonorsAttemptCeiling(t *testing.T) {
	cfg := testWireConfig()
	cfg.RetryAttempts = 3
	l := New(cfg, []string{"alt.test"}, testKernel(t))
	bo := l.newBackOff()

	attempts := 0
	err := backoffRetryCount(bo, &attempts)
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}
