// Package cli implements the tomcast command line tool.
package cli

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/relab/tomcast/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "tomcast",
		Short: "A command-line utility for total-order multicast groups.",
		Long: `tomcast runs groups of members that deliver multicast messages in the same total order.

To simulate a group in a single process, use the 'tomcast run' command.
To run one member of a group over TCP, use the 'tomcast member' command
with a configuration file that lists the members of the group.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tomcast.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "sets the log level (debug, info, warn, error)")
	cobra.CheckErr(viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")))
	rootCmd.PersistentFlags().StringSlice("log-pkgs", []string{}, "set the log level on a per-package basis.")
	cobra.CheckErr(viper.BindPFlag("log-pkgs", rootCmd.PersistentFlags().Lookup("log-pkgs")))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".tomcast" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".tomcast")
	}

	viper.SetEnvPrefix("tomcast")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if _, err := logging.ParseLevel(viper.GetString("log-level")); err != nil {
		cobra.CheckErr(fmt.Errorf("invalid log level: %w", err))
	}
	logging.SetLogLevel(viper.GetString("log-level"))

	for _, packageLevel := range viper.GetStringSlice("log-pkgs") {
		pkg, level, ok := strings.Cut(packageLevel, ":")
		if !ok {
			cobra.CheckErr("log-pkgs flag must be a comma-separated list of package:level strings")
		}
		if _, err := logging.ParseLevel(level); err != nil {
			cobra.CheckErr(fmt.Errorf("invalid log level for %s: %w", pkg, err))
		}
		logging.SetPackageLogLevel(pkg, level)
	}
}
