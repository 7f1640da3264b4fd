// Command conexpectd hosts console automation sessions behind a local
// socket and offers commands to manage the daemon and attach to sessions.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conexpect/internal/config"
)

var (
	settings = viper.New()
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:           "conexpectd",
	Short:         "Console automation daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(settings)
		return err
	},
}

func init() {
	config.Setup(settings)

	rootCmd.PersistentFlags().String("home", "", "state directory (default ~/.conexpect)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = settings.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	_ = settings.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	runCmd.Flags().Bool("show-child", false, "show child console windows")
	runCmd.Flags().String("agent-path", "", "agent library injected into children")
	_ = settings.BindPFlag("show_child", runCmd.Flags().Lookup("show-child"))
	_ = settings.BindPFlag("agent_path", runCmd.Flags().Lookup("agent-path"))

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, runCmd, statusCmd, listCmd, attachCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  func(cmd *cobra.Command, args []string) error { return cmdStart() },
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon and its sessions",
	RunE:  func(cmd *cobra.Command, args []string) error { return cmdStop() },
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop then start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdStop(); err != nil {
			return err
		}
		return cmdStart()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE:  func(cmd *cobra.Command, args []string) error { return runDaemon(cfg) },
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := readPid()
		if pid == 0 || !processAlive(pid) {
			return fmt.Errorf("daemon is not running")
		}
		fmt.Printf("Daemon is running (pid %d)\n", pid)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  func(cmd *cobra.Command, args []string) error { return runList(cfg) },
}

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach the terminal to a session (Ctrl-] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runAttach(cfg, args[0]) },
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "conexpectd: %v\n", err)
		os.Exit(1)
	}
}

func cmdStart() error {
	if pid := readPid(); pid != 0 {
		if processAlive(pid) {
			fmt.Printf("Daemon already running (pid %d)\n", pid)
			return nil
		}
		// Stale PID file.
		os.Remove(cfg.PidPath())
	}

	// Re-exec self with "run", detached from the terminal.
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}
	cmd := exec.Command(exePath, "run")
	cmd.Env = append(os.Environ(), config.EnvPrefix+"_HOME="+cfg.Home)
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	cmd.Process.Release()

	// Wait for the socket to appear (up to 5 seconds).
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(cfg.SocketPath()); err == nil {
			fmt.Printf("Daemon started (pid %d)\n", readPid())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Daemon started but socket not yet available, see %s\n", cfg.LogPath())
	return nil
}

func cmdStop() error {
	pid := readPid()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon not running")
		removeStateFiles()
		return nil
	}
	if err := terminate(pid); err != nil {
		return fmt.Errorf("signalling daemon: %w", err)
	}
	for i := 0; i < 50; i++ {
		if !processAlive(pid) {
			removeStateFiles()
			fmt.Printf("Daemon stopped (was pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Daemon did not stop within 5s, killing it\n")
	if err := forceKill(pid); err != nil {
		return fmt.Errorf("killing daemon: %w", err)
	}
	time.Sleep(200 * time.Millisecond)
	removeStateFiles()
	return nil
}

func removeStateFiles() {
	os.Remove(cfg.PidPath())
	os.Remove(cfg.SocketPath())
}

func readPid() int {
	data, err := os.ReadFile(cfg.PidPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
