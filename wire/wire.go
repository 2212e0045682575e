// Package wire is the Substrate Wire Layer (C5): it speaks the
// textual, TLS-wrapped NNTP dialect described in §4.5, posting and
// retrieving yEnc-encoded article bodies under the deliberately
// obfuscated header set §4.2/§4.5 pin. It holds one connection Pool
// per configured server, retries transient failures with
// cenkalti/backoff/v4's exponential policy, and maps substrate
// failures onto the taxonomy-aware retry rule of §7: IntegrityError
// and AuthError never retry, NotFoundError retries a bounded number of
// times (the article may not have propagated yet), everything else
// retries up to the configured attempt ceiling.
package wire

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/usenetsync"
)

// userAgentPool and fromPool are rotated per connection session, never
// per article, per §4.5.
var userAgentPool = []string{
	"NewsReader/3.2", "ArticleClient/1.9", "UsenetTool/7.0", "PostAgent/2.4",
}
var fromPool = []string{
	"poster@example.net", "sender@example.org", "relay@example.com",
}

// maxPartBytes bounds one yEnc part's plaintext size, conservatively
// under common server article-size ceilings, per §4.5/§9.
const maxPartBytes = 512 * 1024

// Layer is the facade the Upload and Download Engines call. It owns a
// Pool per server and a session-scoped rotation index for From/
// User-Agent selection.
type Layer struct {
	cfg     config.WireConfig
	groups  []string
	pools   map[string]*Pool
	kernel  *crypto.Kernel
	mu      sync.Mutex
	session int
}

// New constructs a Layer speaking to a single configured server,
// posting into any of groups. It mints Message-IDs through kernel
// (§4.2, §9's Crypto Kernel exclusive-ownership rule), never with its
// own randomness source.
func New(cfg config.WireConfig, groups []string, kernel *crypto.Kernel) *Layer {
	server := ServerConfig{Host: cfg.Host, Port: cfg.Port, TLS: cfg.TLS}
	l := &Layer{
		cfg:     cfg,
		groups:  groups,
		pools:   map[string]*Pool{},
		kernel:  kernel,
		session: rand.Intn(len(userAgentPool)),
	}
	key := fmt.Sprintf("%s:%d", server.Host, server.Port)
	l.pools[key] = NewPool(server, cfg)
	return l
}

// Close releases every pooled connection.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pools {
		p.Close()
	}
}

func (l *Layer) primaryPool() *Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pools {
		return p
	}
	return nil
}

func (l *Layer) group() string {
	if len(l.groups) == 0 {
		return ""
	}
	return l.groups[0]
}

// newBackOff builds the §4.5/§6-pinned exponential policy: base
// RetryBaseMS, factor 2 (set explicitly; backoff/v4's default
// Multiplier is 1.5), capped at
// RetryCapMS, ±jitter via RandomizationFactor, bounded to
// RetryAttempts tries by WithMaxRetries.
func (l *Layer) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(l.cfg.RetryBaseMS) * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25
	eb.MaxInterval = time.Duration(l.cfg.RetryCapMS) * time.Millisecond
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries, not wall-clock
	attempts := l.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(eb, uint64(attempts-1))
}

// retryable reports whether err should be retried, per §7's taxonomy:
// AuthError and IntegrityError are terminal, everything else (IoError,
// ProtocolError, a transient NotFoundError) is retried.
func retryable(err error) bool {
	switch {
	case errors.Is(errors.AuthError, err):
		return false
	case errors.Is(errors.IntegrityError, err):
		return false
	default:
		return true
	}
}

// articleRefSeparator joins multiple per-part Message-IDs into one
// PostedArticleRef string when a segment's ciphertext needed more than
// one yEnc part to post (§9: "the wire layer transparently stitches
// multi-part yEnc"). Every real NNTP article needs its own unique
// Message-ID, so a multi-part segment is actually several articles.
const articleRefSeparator = ";"

// PostSegment posts ciphertext as one or more yEnc-encoded articles
// for seg (one article per part, each with its own Message-ID),
// returning the accepted Message-ID(s) joined by articleRefSeparator.
// On success it does not mutate seg; callers update
// seg.PostedArticleRef/State themselves (C6 owns persistence).
func (l *Layer) PostSegment(ctx context.Context, seg *usenetsync.Segment, ciphertext []byte) (string, error) {
	return l.postBytes(ctx, "wire.PostSegment", seg.PostedSubject, ciphertext)
}

// PostIndexArticle posts ciphertext (a core-index part, §4.8 step 3)
// under postedSubject the same way PostSegment posts a segment's
// ciphertext — same multi-part yEnc splitting, same retry policy —
// since the wire layer does not distinguish a segment article from a
// core-index article once it has a subject and a byte slice.
func (l *Layer) PostIndexArticle(ctx context.Context, postedSubject string, ciphertext []byte) (string, error) {
	return l.postBytes(ctx, "wire.PostIndexArticle", postedSubject, ciphertext)
}

func (l *Layer) postBytes(ctx context.Context, op string, postedSubject string, ciphertext []byte) (string, error) {
	pool := l.primaryPool()
	if pool == nil {
		return "", errors.E(op, errors.ConfigError, errors.Str("no server configured"))
	}

	parts, whole := yEncEncode(ciphertext, maxPartBytes)

	var messageIDs []string
	operation := func() error {
		c, err := pool.acquire(ctx)
		if err != nil {
			return backoff.Permanent(errors.E(op, err))
		}
		healthy := true
		defer func() { pool.release(c, healthy) }()

		headers := l.headers(postedSubject)
		ids := make([]string, len(parts))
		for i, part := range parts {
			mid, err := l.kernelMessageID()
			if err != nil {
				return backoff.Permanent(errors.E(op, err))
			}
			marker := fmt.Sprintf("(part %d/%d) crc32=%08x whole-crc32=%08x", i+1, len(parts), part.CRC32, whole)
			body := append([]string{marker}, part.Lines...)
			if err := c.postArticle(mid, headers, body); err != nil {
				if isDuplicateMessageID(err) {
					// §4.5: regenerate the Message-ID once and retry
					// before treating repeated duplicates as fatal.
					retryMid, merr := l.kernelMessageID()
					if merr != nil {
						healthy = !isConnectionFatal(err)
						return backoff.Permanent(errors.E(op, merr))
					}
					if err := c.postArticle(retryMid, headers, body); err != nil {
						if isDuplicateMessageID(err) {
							return backoff.Permanent(errors.E(op, err))
						}
						healthy = !isConnectionFatal(err) && !errors.Is(errors.ProtocolError, err)
						return errors.E(op, err)
					}
					healthy = true
					ids[i] = retryMid
					continue
				}
				// A protocol violation discards the connection and is
				// retried on a fresh one under the backoff policy.
				healthy = !isConnectionFatal(err) && !errors.Is(errors.ProtocolError, err)
				return errors.E(op, err)
			}
			ids[i] = mid
		}
		messageIDs = ids
		return nil
	}

	delay := pool.downWeightDelay()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", errors.E(op, errors.CancelledError, ctx.Err())
		}
	}

	err := backoff.Retry(withRetryGate(operation, retryable), backoff.WithContext(l.newBackOff(), ctx))
	pool.rep.record(err == nil)
	if err != nil {
		return "", errors.E(op, err)
	}
	return joinIDs(messageIDs), nil
}

// RetrieveArticle fetches and reassembles ciphertext previously posted
// under articleRef. It is the retrieval counterpart of
// PostIndexArticle, used by the Publisher (C8) to fetch a core-index
// article the same way RetrieveSegment fetches a data segment.
func (l *Layer) RetrieveArticle(ctx context.Context, articleRef string) ([]byte, error) {
	return l.RetrieveSegment(ctx, articleRef)
}

// RetrieveSegment fetches and reassembles the ciphertext previously
// posted under articleRef (one or more Message-IDs joined by
// articleRefSeparator, in part order), verifying each part's CRC32.
func (l *Layer) RetrieveSegment(ctx context.Context, articleRef string) ([]byte, error) {
	const op = "wire.RetrieveSegment"
	pool := l.primaryPool()
	if pool == nil {
		return nil, errors.E(op, errors.ConfigError, errors.Str("no server configured"))
	}

	ids := splitIDs(articleRef)
	out := make([][]byte, len(ids))
	for idx, messageID := range ids {
		idx, messageID := idx, messageID
		operation := func() error {
			c, err := pool.acquire(ctx)
			if err != nil {
				return backoff.Permanent(errors.E(op, err))
			}
			healthy := true
			defer func() { pool.release(c, healthy) }()

			lines, err := c.fetchArticleBody(l.group(), messageID)
			if err != nil {
				if errors.Is(errors.NotFoundError, err) {
					return errors.E(op, err) // may not have propagated yet; retry
				}
				healthy = false
				return errors.E(op, err)
			}

			decoded, crc, perr := parseYEncBody(lines)
			if perr != nil {
				return backoff.Permanent(errors.E(op, perr))
			}
			plain, derr := yEncDecode(decoded, crc)
			if derr != nil {
				return backoff.Permanent(errors.E(op, derr))
			}
			out[idx] = plain
			return nil
		}

		err := backoff.Retry(withRetryGate(operation, retryable), backoff.WithContext(l.newBackOff(), ctx))
		pool.rep.record(err == nil)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	var combined []byte
	for _, part := range out {
		combined = append(combined, part...)
	}
	return combined, nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += articleRefSeparator
		}
		out += id
	}
	return out
}

func splitIDs(ref string) []string {
	var ids []string
	start := 0
	for i := 0; i < len(ref); i++ {
		if ref[i] == articleRefSeparator[0] {
			ids = append(ids, ref[start:i])
			start = i + 1
		}
	}
	ids = append(ids, ref[start:])
	return ids
}

// withRetryGate wraps op so that a non-retryable error short-circuits
// the backoff loop immediately via backoff.Permanent.
func withRetryGate(op func() error, retryable func(error) bool) func() error {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if asPermanent(err, &perm) {
			return err
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	p, ok := err.(*backoff.PermanentError)
	if ok {
		*target = p
	}
	return ok
}

// isConnectionFatal reports whether err indicates the connection
// itself (not just this command) should be discarded from the pool.
func isConnectionFatal(err error) bool {
	return errors.Is(errors.IoError, err)
}

func (l *Layer) headers(postedSubject string) map[string]string {
	l.mu.Lock()
	idx := l.session
	l.mu.Unlock()
	return map[string]string{
		"From":        fromPool[idx%len(fromPool)],
		"Subject":     postedSubject,
		"Newsgroups":  l.group(),
		"Date":        time.Now().UTC().Format(time.RFC1123Z),
		"User-Agent":  userAgentPool[idx%len(userAgentPool)],
		"X-UsenetSync": "1.0",
	}
}

// kernelMessageID mints one randomized Message-ID with no timestamp,
// content hash, or recoverable identifier (§4.2), one per article
// part: a multi-part segment is posted as several distinct articles,
// each needing its own unique Message-ID. The Crypto Kernel is the
// only component allowed to source this randomness (§9's exclusive-
// ownership rule), so this just forwards the session's rotating host
// index to it.
func (l *Layer) kernelMessageID() (string, error) {
	l.mu.Lock()
	idx := l.session
	l.mu.Unlock()
	return l.kernel.NewPostedMessageID(idx)
}

// duplicateMessageIDText is the sentinel text conn.go's postArticle
// wraps in errors.ProtocolError when the server reports NNTP code 441
// "duplicate-message-id" (§4.5). errors.Str's concrete type is
// unexported, so cross-package identity can't go through errors.As;
// the text survives intact through errors.E's wrapping chain.
const duplicateMessageIDText = "duplicate-message-id"

// isDuplicateMessageID reports whether err is the specific 441
// duplicate-message-id condition §4.5 calls out for a regenerate-and-
// retry-once response, as opposed to any other ProtocolError.
func isDuplicateMessageID(err error) bool {
	return err != nil && strings.Contains(err.Error(), duplicateMessageIDText)
}

// parseYEncBody splits a raw retrieved article body into its yEnc
// data lines and recovers the part's expected CRC32 from the leading
// marker line PostSegment always writes, per §4.5's "CRC32 per part
// and a whole-message CRC when multi-part."
func parseYEncBody(lines []string) ([]string, uint32, error) {
	if len(lines) == 0 {
		return nil, 0, errors.Str("empty article body")
	}
	var partN, partTotal int
	var crc, whole uint32
	if _, err := fmt.Sscanf(lines[0], "(part %d/%d) crc32=%08x whole-crc32=%08x", &partN, &partTotal, &crc, &whole); err != nil {
		return nil, 0, errors.Str("missing yEnc part marker")
	}
	return lines[1:], crc, nil
}
