package cmd

import (
	"fmt"
	"github.com/ValentinKolb/locktree/cmd/bench"
	"github.com/ValentinKolb/locktree/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "locktree",
		Short: "range lock manager for transactional storage engines",
		Long: fmt.Sprintf(`locktree (v%s)

A range lock manager written in Go. Transactions take shared and exclusive
locks on key ranges, wait for conflicting locks with deadlock detection and
share one lock memory budget with escalation.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of locktree",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("locktree v%s\n", Version)
		},
	}

	// configCmd prints the effective lock manager configuration
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the lock manager configuration",
		Long: `Print the lock manager configuration resolved from flags, the environment
(LOCKTREE_ prefix) and the .env / .env.local files.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.GetManagerConfig()
			if err != nil {
				return err
			}
			fmt.Print(conf.String())
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configCmd)

	// Add Flags
	util.SetupManagerFlags(configCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
