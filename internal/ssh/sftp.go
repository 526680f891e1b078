package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// withSFTP runs fn against an SFTP client on its own channel of the
// session's connection. When ctx ends first the channel is closed, which
// unblocks the handshake or any transfer in flight, and ctx.Err() is
// returned without waiting for fn to unwind.
func (s *Session) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("sftp %s: new session: %w", s.addr, err)
	}
	defer ch.Close()
	if err := ch.RequestSubsystem("sftp"); err != nil {
		return fmt.Errorf("sftp %s: subsystem: %w", s.addr, err)
	}
	w, err := ch.StdinPipe()
	if err != nil {
		return fmt.Errorf("sftp %s: %w", s.addr, err)
	}
	r, err := ch.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sftp %s: %w", s.addr, err)
	}

	done := make(chan error, 1)
	go func() {
		sf, err := sftp.NewClientPipe(r, w)
		if err != nil {
			done <- fmt.Errorf("sftp %s: client: %w", s.addr, err)
			return
		}
		defer sf.Close()
		done <- fn(sf)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = ch.Close()
		return ctx.Err()
	}
}

// WriteFile writes data to remotePath, creating parent directories as
// needed, and checks the remote size afterwards.
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	return s.withSFTP(ctx, func(sf *sftp.Client) error {
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			if err := sf.MkdirAll(dir); err != nil {
				return fmt.Errorf("mkdir remote: %w", err)
			}
		}
		dst, err := sf.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create remote: %w", err)
		}
		if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
			_ = dst.Close()
			return fmt.Errorf("copy: %w", err)
		}
		if err := dst.Close(); err != nil {
			return fmt.Errorf("close remote: %w", err)
		}
		fi, err := sf.Stat(remotePath)
		if err != nil {
			return fmt.Errorf("stat remote: %w", err)
		}
		if fi.Size() != int64(len(data)) {
			return fmt.Errorf("short write to %s: %d of %d bytes", remotePath, fi.Size(), len(data))
		}
		return nil
	})
}

// PullFile downloads remotePath to localPath. The file is written next to
// its destination and renamed into place once complete.
func (s *Session) PullFile(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	part := localPath + ".part"
	return s.withSFTP(ctx, func(sf *sftp.Client) error {
		src, err := sf.Open(remotePath)
		if err != nil {
			return fmt.Errorf("open remote: %w", err)
		}
		defer src.Close()
		dst, err := os.Create(part)
		if err != nil {
			return fmt.Errorf("create local: %w", err)
		}
		_, err = io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(part)
			return fmt.Errorf("copy %s: %w", remotePath, err)
		}
		return os.Rename(part, localPath)
	})
}
