package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"hpc-bridge/core/common"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// DialFunc opens the transport an SSH session runs over
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// SSHClient runs commands on nodes reachable over SSH
type SSHClient struct {
	config *ssh.ClientConfig
	dial   DialFunc
}

// NewSSHClient creates a new SSH client. With a nil hostKeys callback any host key is
// accepted, which is what tunnel endpoints with freshly generated keys need.
func NewSSHClient(privateKey []byte, user string, hostKeys ssh.HostKeyCallback) (*SSHClient, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}
	dialer := &net.Dialer{Timeout: config.Timeout}
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return &SSHClient{config: config, dial: dial}, nil
}

// WithDial routes connections through dial, e.g. a tunnel proxy command
func (sc *SSHClient) WithDial(dial DialFunc) *SSHClient {
	sc.dial = dial
	return sc
}

func (sc *SSHClient) connect(ctx context.Context, host string) (*ssh.Client, error) {
	conn, err := sc.dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", host, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, host, sc.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", host, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// ExecuteCommand executes a command on a remote node via SSH
func (sc *SSHClient) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	var out bytes.Buffer
	err := sc.ExecuteCommandStream(ctx, host, command, &out)
	return out.String(), err
}

// ExecuteCommandStream executes a command and streams stdout and stderr to outputWriter.
// A non-zero exit status is returned as a RemoteExecutionFailed error.
func (sc *SSHClient) ExecuteCommandStream(ctx context.Context, host string, command string, outputWriter io.Writer) error {
	client, err := sc.connect(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()
	session.Stdout = outputWriter
	session.Stderr = outputWriter

	logrus.Debugf("Executing on %s: %s", host, command)
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		client.Close()
		return ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return common.RemoteExecutionFailed("", exitErr.ExitStatus())
		}
		if err != nil {
			return fmt.Errorf("remote command failed: %w", err)
		}
		return nil
	}
}

// InDir prefixes command with a cd into dir
func InDir(dir, command string) string {
	if dir == "" {
		return command
	}
	return "cd " + shellQuote(dir) + " && " + command
}

// TestConnection tests SSH connection to a node
func (sc *SSHClient) TestConnection(ctx context.Context, host string) error {
	client, err := sc.connect(ctx, host)
	if err != nil {
		return err
	}
	return client.Close()
}
