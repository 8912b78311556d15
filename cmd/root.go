package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

var (
	debug    bool
	trace    bool
	cfgFile  string
	logLevel string // empty defers to the configured log_level
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   types.AppName,
	Short: "Firmware registry serves over-the-air updates to ESP8266 devices",
}

func NewRootCmd() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setLogLevel() {
	if debug {
		logLevel = string(types.LogLevelDebug)
	}

	if trace {
		logLevel = string(types.LogLevelTrace)
	}
}

func init() {
	cobra.OnInitialize(setLogLevel)
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (can be used with --trace)")
	rootCmd.PersistentFlags().BoolVarP(&trace, "trace", "t", false, "Enable trace logging (can be used with --debug)")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config-file", "c", "", "Registry configuration file")
}
