package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hpc-bridge/config"
	"hpc-bridge/core/backoff"
	"hpc-bridge/core/executor"

	"github.com/spf13/cobra"
)

var (
	tunnelDaemon     string
	tunnelSSHPort    int
	tunnelPort       int
	tunnelKey        string
	tunnelKeyFile    string
	tunnelDebCache   string
	tunnelAllowApt   bool
	tunnelRTunnelBin string
	tunnelProbeKey   string
	tunnelDetach     bool
	sshConfigAll     bool
	sshConfigInstall bool
	sshConfigPath    string
	sshConfigAlias   string
	sshConfigRTunnel string
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Bring up and reach SSH endpoints on compute nodes",
}

var tunnelUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start an SSH daemon and rtunnel server on this node",
	Long:  "Run on the compute node: installs or locates dropbear/sshd, starts it on localhost, then exposes it through rtunnel. Fails with the process output if either stage does not come up.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tc, err := tunnelConfigFromFlags(cmd, cfg)
		if err != nil {
			return err
		}

		var prober executor.Prober
		if tunnelProbeKey != "" {
			key, err := os.ReadFile(tunnelProbeKey)
			if err != nil {
				return withExitCode(exitConfigError, err)
			}
			client, err := executor.NewSSHClient(key, "root", nil)
			if err != nil {
				return withExitCode(exitConfigError, err)
			}
			prober = client
		}

		ctx := cmd.Context()
		b := executor.NewTunnelBootstrap(tc, executor.OSRunner{}, backoff.RealClock(), prober)
		session, err := b.Run(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{
				"ssh_port": session.SSHPort, "tunnel_port": session.TunnelPort,
				"daemon_pid": session.Daemon.PID(), "tunnel_pid": session.Tunnel.PID(),
			})
		} else {
			fmt.Printf("Tunnel ready: sshd on 127.0.0.1:%d (pid %d), rtunnel on :%d (pid %d)\n",
				session.SSHPort, session.Daemon.PID(), session.TunnelPort, session.Tunnel.PID())
		}
		if tunnelDetach {
			return nil
		}

		<-ctx.Done()
		fmt.Println("Stopping tunnel...")
		return session.Stop()
	},
}

var sshConfigCmd = &cobra.Command{
	Use:   "ssh-config [bridge]",
	Short: "Print or install ~/.ssh/config entries for bridge profiles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if sshConfigAll {
			if sshConfigInstall {
				return withExitCode(exitValidationError, fmt.Errorf("--install works on one bridge at a time"))
			}
			fmt.Println(executor.GenerateSSHConfig(cfg.Bridges, sshConfigRTunnel))
			return nil
		}

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		profile, err := cfg.Bridge(name)
		if err != nil {
			return withExitCode(exitConfigError, err)
		}
		alias := sshConfigAlias
		if alias == "" {
			alias = profile.Name
		}
		block := profile.SSHConfigBlock(sshConfigRTunnel, alias)
		if !sshConfigInstall {
			fmt.Println(block)
			return nil
		}

		path := expandHome(sshConfigPath)
		replaced, err := executor.InstallSSHConfig(path, block, alias)
		if err != nil {
			return err
		}
		verb := "Added"
		if replaced {
			verb = "Updated"
		}
		fmt.Printf("%s Host %s in %s; connect with: ssh %s\n", verb, alias, path, alias)
		return nil
	},
}

func registerTunnelCommand(root *cobra.Command) {
	root.AddCommand(tunnelCmd)
	tunnelCmd.AddCommand(tunnelUpCmd)
	tunnelCmd.AddCommand(sshConfigCmd)

	tunnelUpCmd.Flags().StringVar(&tunnelDaemon, "daemon", "", "SSH daemon: dropbear or sshd")
	tunnelUpCmd.Flags().IntVar(&tunnelSSHPort, "ssh-port", 0, "Local SSH port (default 22222)")
	tunnelUpCmd.Flags().IntVar(&tunnelPort, "port", 0, "Public rtunnel port (default 31337)")
	tunnelUpCmd.Flags().StringVar(&tunnelKey, "authorized-key", "", "Public key allowed to log in")
	tunnelUpCmd.Flags().StringVar(&tunnelKeyFile, "authorized-key-file", "", "Read the allowed public key from this file")
	tunnelUpCmd.Flags().StringVar(&tunnelDebCache, "deb-cache", "", "Directory with pre-staged .deb packages")
	tunnelUpCmd.Flags().BoolVar(&tunnelAllowApt, "allow-apt", false, "Fall back to apt-get when no binary or package is found")
	tunnelUpCmd.Flags().StringVar(&tunnelRTunnelBin, "rtunnel-bin", "", "rtunnel binary (default: rtunnel on PATH)")
	tunnelUpCmd.Flags().StringVar(&tunnelProbeKey, "probe-key", "", "Private key used to verify the SSH handshake after startup")
	tunnelUpCmd.Flags().BoolVarP(&tunnelDetach, "detach", "d", false, "Leave the processes running and exit")

	sshConfigCmd.Flags().BoolVar(&sshConfigAll, "all", false, "Render entries for every configured bridge")
	sshConfigCmd.Flags().BoolVar(&sshConfigInstall, "install", false, "Write the entry into the ssh config file")
	sshConfigCmd.Flags().StringVar(&sshConfigPath, "path", "~/.ssh/config", "ssh config file for --install")
	sshConfigCmd.Flags().StringVar(&sshConfigAlias, "alias", "", "Host alias (default: bridge name)")
	sshConfigCmd.Flags().StringVar(&sshConfigRTunnel, "rtunnel-bin", "rtunnel", "Local rtunnel binary used in ProxyCommand")
}

func tunnelConfigFromFlags(cmd *cobra.Command, cfg config.Config) (executor.TunnelConfig, error) {
	key := tunnelKey
	if tunnelKeyFile != "" {
		data, err := os.ReadFile(expandHome(tunnelKeyFile))
		if err != nil {
			return executor.TunnelConfig{}, withExitCode(exitConfigError, err)
		}
		key = strings.TrimSpace(string(data))
	}
	tc := cfg.TunnelConfig(key)

	flags := cmd.Flags()
	if flags.Changed("daemon") {
		switch executor.Daemon(tunnelDaemon) {
		case executor.DaemonDropbear, executor.DaemonSSHD:
			tc.Daemon = executor.Daemon(tunnelDaemon)
		default:
			return tc, withExitCode(exitValidationError, fmt.Errorf("unknown daemon %q", tunnelDaemon))
		}
	}
	if flags.Changed("ssh-port") {
		tc.SSHPort = tunnelSSHPort
	}
	if flags.Changed("port") {
		tc.TunnelPort = tunnelPort
	}
	if flags.Changed("deb-cache") {
		tc.DebCacheDir = tunnelDebCache
	}
	if flags.Changed("allow-apt") {
		tc.AllowPackageManager = tunnelAllowApt
	}
	if flags.Changed("rtunnel-bin") {
		tc.RTunnelBin = tunnelRTunnelBin
	}
	return tc, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
