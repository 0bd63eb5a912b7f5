package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/taskvault/internal/controlplane"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "taskvault - supervised task pipeline over a folder vault",
	Long: `taskvault turns files dropped into a watched folder into tracked records,
plans their work with an external agent, and stops for a human decision
before any sensitive step. Every record is mirrored as a Markdown file in
the folder matching its state; moving a file is how a human approves,
rejects or acknowledges.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		controlplane.Version = version
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	vaultRoot  string
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "root", ".", "Vault root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <root>/.taskvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	rootCmd.AddCommand(initCmd, verifyCmd)
	rootCmd.AddCommand(runCmd, watcherCmd, orchestratorCmd, serveCmd)
	rootCmd.AddCommand(statusCmd, listCmd, showCmd, approveCmd, rejectCmd, auditCmd)
	rootCmd.AddCommand(tuiCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
