package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/warden/internal/daemon"
	"github.com/msageha/warden/internal/model"
	"github.com/msageha/warden/internal/setup"
)

const version = "0.3.0"

// stateDirName is searched for in the working directory and its ancestors
// when neither --dir nor WARDEN_DIR is set.
const stateDirName = ".warden"

var stateDirFlag string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Filesystem permission enforcement daemon",
	Long: `warden keeps ownership, modes and POSIX ACLs of managed directory trees
in line with their policy. The daemon watches every tree, fixes drift as it
happens and runs periodic full checks; the other commands talk to it over
its control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the enforcement daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveStateDir(stateDirFlag, true)
		if err != nil {
			return err
		}
		cfg, err := model.LoadConfig(dir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		d, err := daemon.New(dir, cfg, version)
		if err != nil {
			return fmt.Errorf("create daemon: %w", err)
		}
		if err := d.Run(); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a state directory",
	Long: `Create the state directory layout with a default config.yaml and the
bundled policies. Without an argument --dir, WARDEN_DIR or ./.warden is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDirFlag
		switch {
		case len(args) == 1:
			dir = args[0]
		case dir == "":
			dir = os.Getenv("WARDEN_DIR")
		}
		if dir == "" {
			dir = stateDirName
		}
		if err := setup.Run(dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", dir)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "dir", "", "State directory (default: $WARDEN_DIR or the nearest .warden/)")
	rootCmd.AddCommand(initCmd, daemonCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveStateDir picks the state directory from the flag, then WARDEN_DIR,
// then the nearest .warden/ above the working directory. With create set a
// missing explicit directory is created; the daemon owns its state dir.
func resolveStateDir(flag string, create bool) (string, error) {
	dir := flag
	if dir == "" {
		dir = os.Getenv("WARDEN_DIR")
	}
	if dir == "" {
		dir = findStateDir()
		if dir == "" {
			return "", errors.New(".warden/ directory not found; pass --dir or set WARDEN_DIR")
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist) && create:
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return "", fmt.Errorf("create state dir: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("state dir: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("state dir %s is not a directory", abs)
	}
	return abs, nil
}

// findStateDir searches for .warden/ in the current directory and ancestors.
func findStateDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, stateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
