package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BridgeProfile is a reachable tunnel endpoint exposed through an HTTP proxy
type BridgeProfile struct {
	Name     string `yaml:"name" json:"name"`
	ProxyURL string `yaml:"proxy_url" json:"proxy_url"`
	SSHUser  string `yaml:"ssh_user" json:"ssh_user"`
	SSHPort  int    `yaml:"ssh_port" json:"ssh_port"`
}

// WithDefaults fills the user and port the bootstrap uses
func (p BridgeProfile) WithDefaults() BridgeProfile {
	if p.SSHUser == "" {
		p.SSHUser = "root"
	}
	if p.SSHPort == 0 {
		p.SSHPort = DefaultSSHPort
	}
	return p
}

// WebSocketURL converts the proxy URL to the scheme rtunnel dials
func (p BridgeProfile) WebSocketURL() string {
	switch {
	case strings.HasPrefix(p.ProxyURL, "https://"):
		return "wss://" + strings.TrimPrefix(p.ProxyURL, "https://")
	case strings.HasPrefix(p.ProxyURL, "http://"):
		return "ws://" + strings.TrimPrefix(p.ProxyURL, "http://")
	}
	return p.ProxyURL
}

// ProxyCommand builds the ssh ProxyCommand; quiet discards rtunnel's stderr
func (p BridgeProfile) ProxyCommand(rtunnelBin string, quiet bool) string {
	if quiet {
		cmd := fmt.Sprintf("%s %s stdio://%%h:%%p 2>/dev/null", rtunnelBin, shellQuote(p.WebSocketURL()))
		return "sh -c " + shellQuote(cmd)
	}
	return fmt.Sprintf("%s %s %s", shellQuote(rtunnelBin), shellQuote(p.WebSocketURL()), shellQuote("stdio://%h:%p"))
}

// SSHConfigBlock renders a Host entry for ~/.ssh/config
func (p BridgeProfile) SSHConfigBlock(rtunnelBin, alias string) string {
	p = p.WithDefaults()
	if alias == "" {
		alias = p.Name
	}
	return fmt.Sprintf(`Host %s
    HostName localhost
    User %s
    Port %d
    ProxyCommand %s %s stdio://%%h:%%p
    StrictHostKeyChecking no
    UserKnownHostsFile /dev/null
    LogLevel ERROR`, alias, p.SSHUser, p.SSHPort, rtunnelBin, p.WebSocketURL())
}

// GenerateSSHConfig renders one Host entry per profile
func GenerateSSHConfig(profiles []BridgeProfile, rtunnelBin string) string {
	blocks := make([]string, 0, len(profiles))
	for _, p := range profiles {
		blocks = append(blocks, p.SSHConfigBlock(rtunnelBin, ""))
	}
	return strings.Join(blocks, "\n\n")
}

// InstallSSHConfig writes block into the ssh config at path, replacing an existing
// entry for alias. It reports whether an entry was replaced.
func InstallSSHConfig(path, block, alias string) (bool, error) {
	if alias == "" {
		return false, errors.New("host alias is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	content := string(existing)

	hostBlock := regexp.MustCompile(`(?m)^Host\s+.*\b` + regexp.QuoteMeta(alias) + `\b.*$(\n[^H\n].*|\n)*`)
	if loc := hostBlock.FindStringIndex(content); loc != nil {
		rest := strings.TrimLeft(content[loc[1]:], "\n")
		updated := content[:loc[0]] + block + "\n"
		if rest != "" {
			updated += "\n" + rest
		}
		return true, os.WriteFile(path, []byte(updated), 0o600)
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if content != "" {
		content += "\n"
	}
	return false, os.WriteFile(path, []byte(content+block+"\n"), 0o600)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
