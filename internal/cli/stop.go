package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessro/relay/internal/daemon"
	"github.com/tessro/relay/internal/paths"
)

var stopSocket string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the relay daemon",
	Long:  "Stop the running relay daemon. Connected agents are disconnected gracefully.",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	if stopSocket != "" {
		if err := os.Setenv(paths.EnvSocketPath, stopSocket); err != nil {
			return err
		}
	}

	pidPath := paths.PIDPath()
	running, pid := daemon.IsDaemonRunning(pidPath)
	if !running {
		fmt.Println("relay daemon is not running")
		return nil
	}

	if err := daemon.SignalDaemon(pidPath, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	// The daemon removes its pidfile and socket on exit; wait for both.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		alive, _ := daemon.IsDaemonRunning(pidPath)
		_, serr := os.Stat(paths.SocketPath())
		if !alive && os.IsNotExist(serr) {
			fmt.Printf("relay daemon stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within 2s", pid)
}

func init() {
	stopCmd.Flags().StringVar(&stopSocket, "socket", "", "Socket path (overrides default)")
	rootCmd.AddCommand(stopCmd)
}
