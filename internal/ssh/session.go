package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"

	xssh "golang.org/x/crypto/ssh"
)

// Session is one authenticated connection to a single node. It is not safe
// for concurrent use; each node workflow owns its own Session.
type Session struct {
	client *xssh.Client
	addr   string
}

// Exec runs command on the remote host, copying its output to stdout and
// stderr as it arrives. It returns the remote exit status. An error is
// returned only when no exit status could be obtained: the session could
// not be started, the connection dropped, or ctx expired (in which case
// the remote process is sent SIGKILL).
func (s *Session) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		_ = sess.Close()
		<-done
		return -1, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("wait command: %w", err)
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
