package cli

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessro/relay/internal/daemon"
	"github.com/tessro/relay/internal/launcher"
	"github.com/tessro/relay/internal/logging"
	"github.com/tessro/relay/internal/paths"
)

// envDaemonized marks a child process started by "relay start" so it logs
// to file only.
const envDaemonized = "RELAY_DAEMONIZED"

var (
	startForeground bool
	startSocket     string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay daemon",
	Long:  "Start the relay daemon. By default it detaches into the background; use --foreground to keep it attached.",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if startSocket != "" {
		if err := os.Setenv(paths.EnvSocketPath, startSocket); err != nil {
			return err
		}
	}

	if running, pid := daemon.IsDaemonRunning(paths.PIDPath()); running {
		return fmt.Errorf("relay daemon already running (pid %d)", pid)
	}
	daemon.CleanStalePID(paths.PIDPath())

	if startForeground {
		return runDaemon(cmd)
	}
	return daemonize()
}

// runDaemon runs the server in this process until SIGINT/SIGTERM.
func runDaemon(cmd *cobra.Command) error {
	level := logging.LevelFromEnv()
	var cleanup func()
	var err error
	if os.Getenv(envDaemonized) != "" {
		cleanup, err = logging.Setup("", level)
	} else {
		cleanup, err = logging.SetupMulti("", os.Stderr, level)
	}
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	profilesPath, err := paths.CLIProfilesPath()
	if err != nil {
		return err
	}
	profiles, err := launcher.LoadProfiles(profilesPath)
	if err != nil {
		return err
	}

	srv, err := daemon.NewServer(cfg, launcher.NewExecLauncher(profiles))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

// daemonize re-execs this binary detached with --foreground and waits
// briefly for the pidfile to appear.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"start", "--foreground"}
	if relayDir != "" {
		args = append(args, "--relay-dir", relayDir)
	}
	if startSocket != "" {
		args = append(args, "--socket", startSocket)
	}

	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), envDaemonized+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	// The child owns its lifetime from here.
	_ = child.Process.Release()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if running, pid := daemon.IsDaemonRunning(paths.PIDPath()); running {
			fmt.Printf("relay daemon started (pid %d)\n", pid)
			fmt.Printf("   socket: %s\n", paths.SocketPath())
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start; check %s", logging.DefaultLogPath())
}

func init() {
	startCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "Run in the foreground")
	startCmd.Flags().StringVar(&startSocket, "socket", "", "Socket path (overrides default)")
	rootCmd.AddCommand(startCmd)
}
