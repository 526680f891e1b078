package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

// ConnectError is returned when a session to a node cannot be opened.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type Client struct {
	Addr     string
	User     string
	Signer   xssh.Signer
	HostKeys xssh.HostKeyCallback
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
	Dialer   Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.HostKeys == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.HostKeys,
		Timeout:         c.Timeout,
	}, nil
}

// Open dials the node with retries and basic backoff and returns a Session
// owning the connection. Every failure is a *ConnectError.
func Open(ctx context.Context, c *Client) (*Session, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, &ConnectError{Addr: c.Addr, Err: err}
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ConnectError{Addr: c.Addr, Err: err}
		}
		cli, err := c.dialOnce(ctx, cfg)
		if err == nil {
			return &Session{client: cli, addr: c.Addr}, nil
		}
		lastErr = err
		// A host key mismatch will not fix itself.
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			break
		}
		if attempt < retries {
			log.Debug().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, &ConnectError{Addr: c.Addr, Err: ctx.Err()}
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, &ConnectError{Addr: c.Addr, Err: lastErr}
}

func (c *Client) dialOnce(ctx context.Context, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	d := c.Dialer
	if d == nil {
		d = NetDialer{Timeout: c.Timeout}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake too; NewClientConn has no context.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(cc, chans, reqs), nil
}
