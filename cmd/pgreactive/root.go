// Command pgreactive tails PostgreSQL logical replication change streams
// and, optionally, re-runs a reactive query whenever the changes it cares
// about occur.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lxsystems/pgreactive/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pgreactive",
	Short: "pgreactive tails PostgreSQL logical replication and reacts to changes",
	Long: `pgreactive opens a temporary logical replication slot against a
PostgreSQL database, decodes wal2json change batches into a typed event
stream, and lets callers either print the stream directly or drive a
reactive query runner that re-executes a query whenever matching changes
occur.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./pgreactive.yaml or $HOME/.config/pgreactive.yaml)")
	rootCmd.PersistentFlags().String("postgres.connString", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringSlice("tailer.onlyIncludeTables", nil, "comma-separated list of tables to tail")
	rootCmd.PersistentFlags().String("tailer.assumeSchema", "", "schema to assume for bare table names")
	rootCmd.PersistentFlags().Duration("tailer.pollInterval", 0, "slot poll interval")

	viper.BindPFlag("postgres.connString", rootCmd.PersistentFlags().Lookup("postgres.connString"))
	viper.BindPFlag("tailer.onlyIncludeTables", rootCmd.PersistentFlags().Lookup("tailer.onlyIncludeTables"))
	viper.BindPFlag("tailer.assumeSchema", rootCmd.PersistentFlags().Lookup("tailer.assumeSchema"))
	viper.BindPFlag("tailer.pollInterval", rootCmd.PersistentFlags().Lookup("tailer.pollInterval"))

	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
