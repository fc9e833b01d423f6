package cmd

import (
	"fmt"
	"strings"

	"genplane/pkg/api"

	"github.com/spf13/cobra"
)

var avatarCmd = &cobra.Command{
	Use:   "avatar",
	Short: "Control the supervised avatar sidecar (operator)",
	Long: `Inspect and control the realtime avatar sidecar process.

A sidecar that crashes repeatedly shortly after starting is disabled by the
supervisor. 'start' refuses to run a disabled sidecar; 'restart' clears the
crash history, kills any stray copies and starts it again.`,
}

var avatarStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sidecar state, crash history and unmanaged processes",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := adminClient(cmd)
		if !ok {
			return
		}

		status, err := client.SidecarStatus()
		if err != nil {
			cmd.Printf("Error fetching sidecar status: %s\n", err)
			return
		}
		printSidecarStatus(cmd, status)
	},
}

func newAvatarActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			client, ok := adminClient(cmd)
			if !ok {
				return
			}

			result, err := client.SidecarCommand(action)
			if err != nil {
				cmd.Printf("Error: %s\n", err)
				return
			}

			state := "stopped"
			if result.Running {
				state = "running"
			}
			cmd.Printf("%s: sidecar is now %s (was running: %t)\n", result.Action, colorizeState(state), result.WasRunning)
		},
	}
}

func printSidecarStatus(cmd *cobra.Command, st *api.SidecarStatusResponse) {
	if !st.Enabled {
		cmd.Println("Avatar sidecar is not enabled on this controller.")
		return
	}

	cmd.Printf("%s %sAvatar Sidecar%s\n", stateIcon(st.State), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, st.Name)
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, colorizeState(st.State))
	if st.PID > 0 {
		cmd.Printf("%sPID:%s         %d\n", colorDim, colorReset, st.PID)
	}
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(st.StartedAt))
	cmd.Printf("%sCrashes:%s     %d\n", colorDim, colorReset, st.Crashes)
	if st.LastCrash != nil {
		cmd.Printf("%sLast crash:%s  %s\n", colorDim, colorReset, formatTimeWithRelative(st.LastCrash))
	}
	if st.Disabled {
		cmd.Printf("%sDisabled:%s    %s%s%s\n", colorDim, colorReset, colorRed, st.DisabledReason, colorReset)
	}
	if st.IntentionalStop {
		cmd.Printf("%sStopped by operator%s\n", colorDim, colorReset)
	}
	if len(st.Unmanaged) > 0 {
		pids := make([]string, 0, len(st.Unmanaged))
		for _, pid := range st.Unmanaged {
			pids = append(pids, fmt.Sprint(pid))
		}
		cmd.Printf("%sUnmanaged:%s   %s%s%s\n", colorDim, colorReset, colorYellow, strings.Join(pids, ", "), colorReset)
	}
	if st.DiscoverError != "" {
		cmd.Printf("%sDiscovery:%s   %s\n", colorDim, colorReset, st.DiscoverError)
	}
}

func init() {
	rootCmd.AddCommand(avatarCmd)
	avatarCmd.AddCommand(avatarStatusCmd)
	avatarCmd.AddCommand(newAvatarActionCmd("start", "Start the sidecar unless it is disabled"))
	avatarCmd.AddCommand(newAvatarActionCmd("stop", "Stop the sidecar without counting a crash"))
	avatarCmd.AddCommand(newAvatarActionCmd("restart", "Clear crash history, kill strays and start again"))
}
