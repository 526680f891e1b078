package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// startExecServer runs a minimal SSH server that answers "exec" requests:
// every command echoes "out:<command>", "fail" also writes to stderr and
// exits 3, and "hang" never exits. The "sftp" subsystem serves the local
// filesystem, or with stallSFTP accepts the subsystem and never answers.
func startExecServer(t *testing.T, stallSFTP bool) (string, xssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(xssh.ConnMetadata, xssh.PublicKey) (*xssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostSigner)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveExec(nc, cfg, stallSFTP)
		}
	}()
	return ln.Addr().String(), hostSigner.PublicKey()
}

func serveExec(nc net.Conn, cfg *xssh.ServerConfig, stallSFTP bool) {
	_, chans, reqs, err := xssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go xssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type == "subsystem" {
					var sub struct{ Name string }
					_ = xssh.Unmarshal(req.Payload, &sub)
					if sub.Name != "sftp" {
						_ = req.Reply(false, nil)
						continue
					}
					_ = req.Reply(true, nil)
					go xssh.DiscardRequests(chReqs)
					if stallSFTP {
						_, _ = io.Copy(io.Discard, ch)
						return
					}
					if srv, err := sftp.NewServer(ch); err == nil {
						_ = srv.Serve()
					}
					return
				}
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = xssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				fmt.Fprintf(ch, "out:%s\n", payload.Command)
				if payload.Command == "hang" {
					continue
				}
				status := uint32(0)
				if payload.Command == "fail" {
					fmt.Fprint(ch.Stderr(), "boom\n")
					status = 3
				}
				_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func openTestSession(t *testing.T) *Session {
	t.Helper()
	return openSession(t, false)
}

func openSession(t *testing.T, stallSFTP bool) *Session {
	t.Helper()
	addr, hostKey := startExecServer(t, stallSFTP)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	sess, err := Open(context.Background(), &Client{
		Addr:     addr,
		User:     "ubuntu",
		Signer:   signer,
		HostKeys: xssh.FixedHostKey(hostKey),
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestExecSuccess(t *testing.T) {
	sess := openTestSession(t)
	var stdout, stderr bytes.Buffer
	status, err := sess.Exec(context.Background(), "cd dsm && git pull", &stdout, &stderr)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if status != 0 {
		t.Fatalf("status %d, want 0", status)
	}
	if stdout.String() != "out:cd dsm && git pull\n" {
		t.Fatalf("stdout %q", stdout.String())
	}
}

func TestExecNonZeroStatus(t *testing.T) {
	sess := openTestSession(t)
	var stdout, stderr bytes.Buffer
	status, err := sess.Exec(context.Background(), "fail", &stdout, &stderr)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if status != 3 {
		t.Fatalf("status %d, want 3", status)
	}
	if stderr.String() != "boom\n" {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestExecDeadline(t *testing.T) {
	sess := openTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	_, err := sess.Exec(ctx, "hang", &stdout, &stderr)
	if err == nil {
		t.Fatalf("expected deadline error")
	}
	// The connection survives a killed command.
	status, err := sess.Exec(context.Background(), "again", &stdout, &stderr)
	if err != nil || status != 0 {
		t.Fatalf("follow-up exec: status=%d err=%v", status, err)
	}
}

func TestOpenRejectsWrongHostKey(t *testing.T) {
	addr, _ := startExecServer(t, false)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := xssh.NewSignerFromKey(priv)
	_, err := Open(context.Background(), &Client{
		Addr:     addr,
		User:     "ubuntu",
		Signer:   signer,
		HostKeys: xssh.FixedHostKey(newHostKey(t)),
		Timeout:  5 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected host key mismatch to fail")
	}
}

func TestWriteFileThenPull(t *testing.T) {
	sess := openTestSession(t)
	dir := t.TempDir()
	remote := filepath.Join(dir, "dsm", "dsm.conf")
	doc := []byte("2\n* h0 8000\n- h1 8001")

	if err := sess.WriteFile(context.Background(), remote, doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil || !bytes.Equal(got, doc) {
		t.Fatalf("remote content %q, err %v", got, err)
	}

	local := filepath.Join(dir, "results", "h0", "dsm.conf")
	if err := sess.PullFile(context.Background(), remote, local); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err = os.ReadFile(local)
	if err != nil || !bytes.Equal(got, doc) {
		t.Fatalf("pulled content %q, err %v", got, err)
	}
	if _, err := os.Stat(local + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}
}

func TestPullMissingFile(t *testing.T) {
	sess := openTestSession(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "out")
	if err := sess.PullFile(context.Background(), filepath.Join(dir, "absent"), local); err == nil {
		t.Fatalf("expected error for missing remote file")
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("no local file expected, got %v", err)
	}
}

func TestTransfersStopAtDeadlineWhenSFTPStalls(t *testing.T) {
	sess := openSession(t, true)
	dir := t.TempDir()

	for name, transfer := range map[string]func(context.Context) error{
		"write": func(ctx context.Context) error {
			return sess.WriteFile(ctx, filepath.Join(dir, "dsm.conf"), []byte("1\n* h0 8000"))
		},
		"pull": func(ctx context.Context) error {
			return sess.PullFile(ctx, filepath.Join(dir, "result.txt"), filepath.Join(dir, "out", "result.txt"))
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			start := time.Now()
			err := transfer(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline error, got %v", err)
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Fatalf("transfer returned after %s", elapsed)
			}
		})
	}
}
