// Connection-level NNTP protocol handling. There is no NNTP or yEnc
// library anywhere in the retrieved pack (see SPEC_FULL.md §2.2), so
// this file is built directly on net/textproto the way the teacher's
// own rpc/grpc packages are built directly on net/http — there is no
// lower layer available to delegate to.
package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/contemptx/usenetsync/errors"
)

// ServerConfig names one upstream NNTP server (§6 `wire.host`,
// `wire.port`, `wire.tls`).
type ServerConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// conn wraps one authenticated NNTP connection.
type conn struct {
	server ServerConfig
	nc     net.Conn
	tp     *textproto.Conn

	openedAt    time.Time
	lastRoundTrip time.Time
	selectedGroup string
}

// dialTimeout is the connection-establish ceiling pinned in §5.
const dialTimeout = 10 * time.Second

// requestTimeout is the per-request read/write ceiling pinned in §5.
const requestTimeout = 30 * time.Second

func dial(ctx context.Context, cfg ServerConfig) (*conn, error) {
	const op = "wire.dial"
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := net.Dialer{Timeout: dialTimeout}

	var nc net.Conn
	var err error
	if cfg.TLS {
		tlsDialer := &tls.Dialer{NetDialer: &d, Config: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}}
		nc, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.E(op, errors.IoError, err)
	}

	tp := textproto.NewConn(nc)
	c := &conn{server: cfg, nc: nc, tp: tp, openedAt: time.Now(), lastRoundTrip: time.Now()}

	if _, _, err := c.readResponse(); err != nil { // greeting
		c.close()
		return nil, errors.E(op, errors.ProtocolError, err)
	}
	if cfg.Username != "" {
		if err := c.authenticate(); err != nil {
			c.close()
			return nil, errors.E(op, errors.AuthError, err)
		}
	}
	return c, nil
}

func (c *conn) close() {
	c.tp.Close()
}

// unhealthy reports whether the connection should be discarded rather
// than returned to the pool, per §4.5's health contract.
func (c *conn) unhealthy(maxIdle time.Duration) bool {
	return time.Since(c.lastRoundTrip) > maxIdle
}

func (c *conn) withDeadline() error {
	return c.nc.SetDeadline(time.Now().Add(requestTimeout))
}

func (c *conn) sendCommand(format string, args ...interface{}) error {
	if err := c.withDeadline(); err != nil {
		return err
	}
	_, err := c.tp.Cmd(format, args...)
	return err
}

// readResponse reads one NNTP status line, returning (code, message).
func (c *conn) readResponse() (int, string, error) {
	if err := c.withDeadline(); err != nil {
		return 0, "", err
	}
	line, err := c.tp.ReadLine()
	if err != nil {
		return 0, "", err
	}
	c.lastRoundTrip = time.Now()
	if len(line) < 3 {
		return 0, "", errors.Str("malformed response line: " + line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", errors.Str("malformed response code: " + line)
	}
	msg := ""
	if len(line) > 4 {
		msg = line[4:]
	}
	return code, msg, nil
}

func (c *conn) authenticate() error {
	const op = "wire.authenticate"
	if err := c.sendCommand("AUTHINFO USER %s", c.server.Username); err != nil {
		return errors.E(op, err)
	}
	code, msg, err := c.readResponse()
	if err != nil {
		return errors.E(op, err)
	}
	if code == 381 {
		if err := c.sendCommand("AUTHINFO PASS %s", c.server.Password); err != nil {
			return errors.E(op, err)
		}
		code, msg, err = c.readResponse()
		if err != nil {
			return errors.E(op, err)
		}
	}
	if code != 281 {
		return errors.E(op, errors.Str(fmt.Sprintf("authentication rejected: %d %s", code, msg)))
	}
	return nil
}

// selectGroup issues GROUP if not already selected on this connection.
func (c *conn) selectGroup(group string) error {
	const op = "wire.selectGroup"
	if c.selectedGroup == group {
		return nil
	}
	if err := c.sendCommand("GROUP %s", group); err != nil {
		return errors.E(op, errors.IoError, err)
	}
	code, msg, err := c.readResponse()
	if err != nil {
		return errors.E(op, errors.IoError, err)
	}
	if code != 211 {
		return errors.E(op, errors.ProtocolError, errors.Str(fmt.Sprintf("GROUP rejected: %d %s", code, msg)))
	}
	c.selectedGroup = group
	return nil
}

// postArticle posts one fully-formed article (headers + body lines)
// under messageID, per §4.5's posting contract, and returns nil once
// the server accepts it.
func (c *conn) postArticle(messageID string, headers map[string]string, bodyLines []string) error {
	const op = "wire.postArticle"
	if err := c.sendCommand("POST"); err != nil {
		return errors.E(op, errors.IoError, err)
	}
	code, msg, err := c.readResponse()
	if err != nil {
		return errors.E(op, errors.IoError, err)
	}
	if code != 340 {
		return errors.E(op, errors.ProtocolError, errors.Str(fmt.Sprintf("POST rejected: %d %s", code, msg)))
	}

	dw := c.tp.DotWriter()
	bw := bufio.NewWriter(dw)
	for k, v := range headers {
		fmt.Fprintf(bw, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(bw, "Message-ID: %s\r\n", messageID)
	fmt.Fprint(bw, "\r\n")
	for _, line := range bodyLines {
		fmt.Fprintf(bw, "%s\r\n", line)
	}
	if err := bw.Flush(); err != nil {
		dw.Close()
		return errors.E(op, errors.IoError, err)
	}
	if err := dw.Close(); err != nil {
		return errors.E(op, errors.IoError, err)
	}

	code, msg, err = c.readResponse()
	if err != nil {
		return errors.E(op, errors.IoError, err)
	}
	if code == 441 && strings.Contains(strings.ToLower(msg), "duplicate") {
		return errors.E(op, errors.ProtocolError, errors.Str("duplicate-message-id"))
	}
	if code != 240 {
		return errors.E(op, errors.ProtocolError, errors.Str(fmt.Sprintf("article rejected: %d %s", code, msg)))
	}
	return nil
}

// fetchArticleBody retrieves the BODY of messageID, already selecting
// group first.
func (c *conn) fetchArticleBody(group, messageID string) ([]string, error) {
	const op = "wire.fetchArticleBody"
	if err := c.selectGroup(group); err != nil {
		return nil, err
	}
	if err := c.sendCommand("BODY %s", messageID); err != nil {
		return nil, errors.E(op, errors.IoError, err)
	}
	code, msg, err := c.readResponse()
	if err != nil {
		return nil, errors.E(op, errors.IoError, err)
	}
	if code == 430 {
		return nil, errors.E(op, errors.NotFoundError, errors.Str("article not found: "+msg))
	}
	if code != 222 {
		return nil, errors.E(op, errors.ProtocolError, errors.Str(fmt.Sprintf("BODY rejected: %d %s", code, msg)))
	}
	if err := c.withDeadline(); err != nil {
		return nil, err
	}
	lines, err := c.tp.ReadDotLines()
	if err != nil {
		return nil, errors.E(op, errors.IoError, err)
	}
	c.lastRoundTrip = time.Now()
	return lines, nil
}
