package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"
)

// ProxyDial runs "rtunnelBin <websocket url> stdio://<addr>" for each connection and
// speaks SSH over the process's stdin and stdout, like the generated ProxyCommand.
func (p BridgeProfile) ProxyDial(rtunnelBin string) DialFunc {
	url := p.WebSocketURL()
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return DialCommand(ctx, addr, rtunnelBin, url, "stdio://"+addr)
	}
}

// DialCommand starts name with args and returns a connection over its standard streams
func DialCommand(ctx context.Context, addr, name string, args ...string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting proxy %s: %w", name, err)
	}
	return &commandConn{cmd: cmd, stdin: stdin, stdout: stdout, addr: addr}, nil
}

// commandConn adapts a proxy process to net.Conn. Deadlines are not supported;
// callers bound the session with their context instead.
type commandConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	addr   string

	closeOnce sync.Once
}

func (c *commandConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *commandConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *commandConn) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
	})
	return nil
}

func (c *commandConn) LocalAddr() net.Addr  { return commandAddr("stdio") }
func (c *commandConn) RemoteAddr() net.Addr { return commandAddr(c.addr) }

func (c *commandConn) SetDeadline(time.Time) error      { return nil }
func (c *commandConn) SetReadDeadline(time.Time) error  { return nil }
func (c *commandConn) SetWriteDeadline(time.Time) error { return nil }

type commandAddr string

func (a commandAddr) Network() string { return "proxy" }
func (a commandAddr) String() string  { return string(a) }
