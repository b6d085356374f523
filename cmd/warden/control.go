package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/warden/internal/status"
	"github.com/msageha/warden/internal/uds"
)

// waitTimeout bounds a full check run in the foreground.
const waitTimeout = 30 * time.Minute

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, object and pool status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveStateDir(stateDirFlag, false)
		if err != nil {
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		return status.Run(cmd.OutOrStdout(), dir, jsonOut)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Run a full check of an object",
	Long: `Schedule a full check of the object's tree. With --wait the command
blocks until the check finishes and prints its report.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		client, err := newClient()
		if err != nil {
			return err
		}
		if !wait {
			if err := client.Check(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "full check of %s scheduled\n", args[0])
			return nil
		}
		client.SetTimeout(waitTimeout)
		rep, err := client.CheckWait(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: checked %d, changed %d, errors %d, skipped %d in %s\n",
			rep.ID, rep.Checked, rep.Changed, rep.Errors, rep.Skipped, rep.Duration.Round(time.Millisecond))
		return nil
	},
}

var fastCheckCmd = &cobra.Command{
	Use:   "fastcheck <id> [path]",
	Short: "Re-apply policy to one path",
	Long:  "Re-apply the object's policy to a single path. Without a path the object root is checked.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var path string
		if len(args) == 2 {
			if path, err = filepath.Abs(args[1]); err != nil {
				return err
			}
		}
		checked, err := client.FastCheck(args[0], path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %s\n", checked)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:       "watch <id> on|off",
	Short:     "Turn live watching of an object on or off",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Watch(args[0], on); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: watching %s\n", args[0], args[1])
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload <id>",
	Short: "Reload the policy of an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		out, err := client.Reload(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded %s from %s\n", args[0], out.Rules, out.Source)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Shutdown(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	checkCmd.Flags().Bool("wait", false, "Wait for the check to finish and print its report")
	rootCmd.AddCommand(statusCmd, checkCmd, fastCheckCmd, watchCmd, reloadCmd, shutdownCmd)
}

func newClient() (*uds.Client, error) {
	dir, err := resolveStateDir(stateDirFlag, false)
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}
