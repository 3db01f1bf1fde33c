package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the shared --config flag, read by every subcommand that
// touches a configuration file.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "nat64ctl",
	Short: "Control surface for the SIIT/NAT64/CLAT translator",
	Long: "nat64ctl loads and validates the translator's configuration, " +
		"manages the lifecycle of the Linux TUN device it reads and writes " +
		"packets through, and runs the translation worker pool.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	rootCmd.AddCommand(translateCmd())
	rootCmd.AddCommand(mktunCmd())
	rootCmd.AddCommand(rmtunCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and returns the process exit code: the
// code carried by an *exitError if one was returned, exitCrash for any
// other error, exitSuccess otherwise.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, "Error:", ee.err)
		return ee.code
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCrash
}
