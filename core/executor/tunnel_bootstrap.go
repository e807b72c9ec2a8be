package executor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hpc-bridge/core/backoff"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Daemon is the SSH server flavour started on the node
type Daemon string

const (
	DaemonDropbear Daemon = "dropbear"
	DaemonSSHD     Daemon = "sshd"
)

const (
	DefaultSSHPort    = 22222
	DefaultTunnelPort = 31337
)

// Stage is how far a bootstrap got
type Stage string

const (
	StageNone        Stage = "none"
	StageSSHEndpoint Stage = "ssh_endpoint"
	StageTunnel      Stage = "tunnel"
	StageReady       Stage = "ready"
)

// TunnelConfig describes the endpoint to bring up on the node
type TunnelConfig struct {
	Daemon     Daemon
	SSHPort    int
	TunnelPort int
	// DebCacheDir holds pre-staged .deb packages for the daemon.
	DebCacheDir         string
	AllowPackageManager bool
	RTunnelBin          string
	HostKeyDir          string
	AuthorizedKey       string
	AuthorizedKeysFile  string
	LogDir              string
	Grace               time.Duration
	// ProbeRetry paces the SSH handshake check while the daemon finishes starting.
	ProbeRetry backoff.Policy
}

// DefaultProbePolicy retries the handshake for roughly ten seconds
func DefaultProbePolicy() backoff.Policy {
	return backoff.Policy{Base: 500 * time.Millisecond, Max: 4 * time.Second, MaxRetries: 5, Jitter: 0.2}
}

func (c *TunnelConfig) applyDefaults() {
	if c.Daemon == "" {
		c.Daemon = DaemonDropbear
	}
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.TunnelPort == 0 {
		c.TunnelPort = DefaultTunnelPort
	}
	if c.RTunnelBin == "" {
		c.RTunnelBin = "rtunnel"
	}
	if c.HostKeyDir == "" {
		if c.Daemon == DaemonSSHD {
			c.HostKeyDir = "/etc/ssh"
		} else {
			c.HostKeyDir = "/etc/dropbear"
		}
	}
	if c.LogDir == "" {
		c.LogDir = "/tmp"
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.ProbeRetry.Base <= 0 {
		c.ProbeRetry = DefaultProbePolicy()
	}
}

func (c TunnelConfig) daemonLog() string {
	if c.Daemon == DaemonSSHD {
		return filepath.Join(c.LogDir, "sshd-bootstrap.log")
	}
	return filepath.Join(c.LogDir, "dropbear.log")
}

func (c TunnelConfig) tunnelLog() string {
	return filepath.Join(c.LogDir, "rtunnel-server.log")
}

func (c TunnelConfig) hostKeyPath() string {
	if c.Daemon == DaemonSSHD {
		return filepath.Join(c.HostKeyDir, "ssh_host_ed25519_key")
	}
	return filepath.Join(c.HostKeyDir, "dropbear_ed25519_host_key")
}

// BootstrapError reports the stage that failed and whatever the processes printed
type BootstrapError struct {
	Stage  Stage
	Err    error
	Output string
}

func (e *BootstrapError) Error() string {
	msg := fmt.Sprintf("tunnel bootstrap failed at %s: %v", e.Stage, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// Prober checks that an SSH endpoint completes a handshake
type Prober interface {
	TestConnection(ctx context.Context, host string) error
}

// TunnelSession holds the two processes of a live tunnel
type TunnelSession struct {
	SSHPort    int
	TunnelPort int
	Daemon     Process
	Tunnel     Process
}

// Stop terminates both processes
func (s *TunnelSession) Stop() error {
	var errs []error
	if s.Tunnel != nil {
		errs = append(errs, s.Tunnel.Stop())
	}
	if s.Daemon != nil {
		errs = append(errs, s.Daemon.Stop())
	}
	return errors.Join(errs...)
}

// TunnelBootstrap brings up an SSH daemon and a reverse tunnel in two stages.
// Both stages must succeed; on failure whatever was started is torn down again.
type TunnelBootstrap struct {
	cfg    TunnelConfig
	runner ProcessRunner
	clock  backoff.Clock
	prober Prober
	stage  Stage
}

// NewTunnelBootstrap creates a bootstrap; prober may be nil to skip the handshake check
func NewTunnelBootstrap(cfg TunnelConfig, runner ProcessRunner, clock backoff.Clock, prober Prober) *TunnelBootstrap {
	cfg.applyDefaults()
	if runner == nil {
		runner = OSRunner{}
	}
	if clock == nil {
		clock = backoff.RealClock()
	}
	return &TunnelBootstrap{cfg: cfg, runner: runner, clock: clock, prober: prober, stage: StageNone}
}

// Stage returns the last stage completed
func (b *TunnelBootstrap) Stage() Stage {
	return b.stage
}

// Run executes both stages and verifies the result
func (b *TunnelBootstrap) Run(ctx context.Context) (*TunnelSession, error) {
	b.stage = StageNone
	session := &TunnelSession{SSHPort: b.cfg.SSHPort, TunnelPort: b.cfg.TunnelPort}

	daemon, err := b.startSSHEndpoint(ctx)
	if err != nil {
		return nil, &BootstrapError{Stage: StageSSHEndpoint, Err: err, Output: tailFile(b.cfg.daemonLog(), 40)}
	}
	session.Daemon = daemon
	b.stage = StageSSHEndpoint
	logrus.Infof("SSH endpoint (%s) started on 127.0.0.1:%d, pid %d", b.cfg.Daemon, b.cfg.SSHPort, daemon.PID())

	tunnel, err := b.startTunnel(ctx)
	if err != nil {
		session.Stop()
		b.stage = StageNone
		return nil, &BootstrapError{Stage: StageTunnel, Err: err, Output: tailFile(b.cfg.tunnelLog(), 40)}
	}
	session.Tunnel = tunnel
	b.stage = StageTunnel
	logrus.Infof("Tunnel listening on 0.0.0.0:%d, pid %d", b.cfg.TunnelPort, tunnel.PID())

	if err := b.verify(ctx, session); err != nil {
		session.Stop()
		b.stage = StageNone
		return nil, err
	}
	b.stage = StageReady
	return session, nil
}

func (b *TunnelBootstrap) startSSHEndpoint(ctx context.Context) (Process, error) {
	bin, err := b.ensureDaemonBinary(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.ensureHostKey(ctx); err != nil {
		return nil, err
	}
	if b.cfg.AuthorizedKey != "" {
		if err := installAuthorizedKey(b.authorizedKeysFile(), b.cfg.AuthorizedKey); err != nil {
			return nil, err
		}
	}

	port := strconv.Itoa(b.cfg.SSHPort)
	var args []string
	if b.cfg.Daemon == DaemonSSHD {
		if err := os.MkdirAll("/run/sshd", 0o755); err != nil {
			logrus.Debugf("Cannot create /run/sshd: %v", err)
		}
		if err := b.killStale(ctx, "sshd.*-p "+port); err != nil {
			return nil, err
		}
		args = []string{"-p", port, "-D", "-e",
			"-h", b.cfg.hostKeyPath(),
			"-o", "ListenAddress=127.0.0.1",
			"-o", "PermitRootLogin=yes",
			"-o", "PasswordAuthentication=no",
			"-o", "PubkeyAuthentication=yes",
		}
	} else {
		if err := b.killStale(ctx, "dropbear.*127.0.0.1:"+port); err != nil {
			return nil, err
		}
		args = []string{"-F", "-E", "-s", "-p", "127.0.0.1:" + port, "-r", b.cfg.hostKeyPath()}
	}
	return b.runner.Start(bin, args, b.cfg.daemonLog())
}

func (b *TunnelBootstrap) startTunnel(ctx context.Context) (Process, error) {
	bin, err := b.runner.LookPath(b.cfg.RTunnelBin)
	if err != nil {
		return nil, fmt.Errorf("rtunnel binary %s not found: %w", b.cfg.RTunnelBin, err)
	}
	if err := b.killStale(ctx, fmt.Sprintf("rtunnel.*:%d", b.cfg.TunnelPort)); err != nil {
		return nil, err
	}
	args := []string{
		fmt.Sprintf("127.0.0.1:%d", b.cfg.SSHPort),
		fmt.Sprintf("0.0.0.0:%d", b.cfg.TunnelPort),
	}
	return b.runner.Start(bin, args, b.cfg.tunnelLog())
}

// verify waits out the startup grace period and checks that both processes survived
func (b *TunnelBootstrap) verify(ctx context.Context, s *TunnelSession) error {
	if err := b.clock.Sleep(ctx, b.cfg.Grace); err != nil {
		return &BootstrapError{Stage: StageTunnel, Err: err}
	}
	if !s.Daemon.Alive() {
		return &BootstrapError{
			Stage:  StageSSHEndpoint,
			Err:    fmt.Errorf("%s exited during startup", b.cfg.Daemon),
			Output: tailFile(b.cfg.daemonLog(), 40),
		}
	}
	if !s.Tunnel.Alive() {
		return &BootstrapError{
			Stage:  StageTunnel,
			Err:    errors.New("rtunnel exited during startup"),
			Output: tailFile(b.cfg.tunnelLog(), 40),
		}
	}
	if b.prober != nil {
		addr := fmt.Sprintf("127.0.0.1:%d", b.cfg.SSHPort)
		attempts := 0
		err := backoff.Retry(ctx, b.clock, backoff.New(b.cfg.ProbeRetry), retryProbe, func(ctx context.Context) error {
			attempts++
			if !s.Daemon.Alive() {
				return errDaemonExited
			}
			err := b.prober.TestConnection(ctx, addr)
			if err != nil {
				logrus.Debugf("SSH handshake attempt %d on %s: %v", attempts, addr, err)
			}
			return err
		})
		if err != nil {
			var exhausted *backoff.ExhaustedError
			if errors.As(err, &exhausted) {
				err = exhausted.Err
			}
			return &BootstrapError{
				Stage:  StageSSHEndpoint,
				Err:    fmt.Errorf("ssh handshake on %s failed after %d attempts: %w", addr, attempts, err),
				Output: tailFile(b.cfg.daemonLog(), 40),
			}
		}
	}
	return nil
}

var errDaemonExited = errors.New("ssh daemon exited while waiting for the handshake")

func retryProbe(err error) bool {
	return !errors.Is(err, errDaemonExited) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (b *TunnelBootstrap) daemonBinary() string {
	if b.cfg.Daemon == DaemonSSHD {
		return "sshd"
	}
	return "dropbear"
}

// ensureDaemonBinary finds the daemon, installing it from the local package cache
// and only then from the package manager
func (b *TunnelBootstrap) ensureDaemonBinary(ctx context.Context) (string, error) {
	name := b.daemonBinary()
	if path, err := b.lookDaemon(name); err == nil {
		return path, nil
	}

	debs, _ := filepath.Glob(filepath.Join(b.cfg.DebCacheDir, "*.deb"))
	switch {
	case b.cfg.DebCacheDir != "" && len(debs) > 0:
		logrus.Infof("Installing %s from %d cached packages in %s", name, len(debs), b.cfg.DebCacheDir)
		out, err := b.runner.Run(ctx, "dpkg", append([]string{"-i"}, debs...)...)
		if err != nil {
			return "", fmt.Errorf("dpkg -i failed: %w\n%s", err, out)
		}
	case b.cfg.AllowPackageManager:
		pkg := "dropbear-bin"
		if b.cfg.Daemon == DaemonSSHD {
			pkg = "openssh-server"
		}
		logrus.Warnf("No package cache for %s, falling back to apt-get", name)
		if out, err := b.runner.Run(ctx, "apt-get", "install", "-y", "-qq", pkg); err != nil {
			return "", fmt.Errorf("apt-get install %s failed: %w\n%s", pkg, err, out)
		}
	default:
		return "", fmt.Errorf("%s is not installed and no package cache is configured", name)
	}

	path, err := b.lookDaemon(name)
	if err != nil {
		return "", fmt.Errorf("%s still missing after install: %w", name, err)
	}
	return path, nil
}

func (b *TunnelBootstrap) lookDaemon(name string) (string, error) {
	if path, err := b.runner.LookPath(name); err == nil {
		return path, nil
	}
	return b.runner.LookPath("/usr/sbin/" + name)
}

// ensureHostKey creates the host key once; an existing key is never replaced
func (b *TunnelBootstrap) ensureHostKey(ctx context.Context) error {
	path := b.cfg.hostKeyPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(b.cfg.HostKeyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create host key directory: %w", err)
	}

	if b.cfg.Daemon == DaemonSSHD {
		return writeOpenSSHHostKey(path)
	}
	out, err := b.runner.Run(ctx, "dropbearkey", "-t", "ed25519", "-f", path)
	if err != nil {
		return fmt.Errorf("dropbearkey failed: %w\n%s", err, out)
	}
	return nil
}

// writeOpenSSHHostKey generates an ed25519 host key pair in OpenSSH format
func writeOpenSSHHostKey(path string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	block, err := ssh.MarshalPrivateKey(priv, "hpc-bridge host key")
	if err != nil {
		return fmt.Errorf("failed to encode host key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write host key: %w", err)
	}
	return os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644)
}

// killStale stops a previous instance; pkill exiting 1 means nothing matched
func (b *TunnelBootstrap) killStale(ctx context.Context, pattern string) error {
	out, err := b.runner.Run(ctx, "pkill", "-f", pattern)
	if err == nil {
		logrus.Infof("Stopped stale process matching %q", pattern)
		return nil
	}
	if ExitCode(err) == 1 {
		return nil
	}
	return fmt.Errorf("pkill -f %q failed: %w\n%s", pattern, err, out)
}

func (b *TunnelBootstrap) authorizedKeysFile() string {
	if b.cfg.AuthorizedKeysFile != "" {
		return b.cfg.AuthorizedKeysFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "authorized_keys")
}

// installAuthorizedKey appends key unless an identical key line is already present
func installAuthorizedKey(path, key string) error {
	key = strings.TrimSpace(key)
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range bytes.Split(existing, []byte("\n")) {
		if strings.TrimSpace(string(line)) == key {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		key = "\n" + key
	}
	_, err = f.WriteString(key + "\n")
	return err
}

// tailFile returns the last n lines of a log, or "" if it cannot be read
func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
