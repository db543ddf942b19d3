package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags shared by every subcommand.
var (
	workDir    string
	socketPath string
	tcpHost    string
	tcpPort    int
	watch      bool
	cmdTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ferretbot",
	Short: "FerretBot - durable agent workflow orchestration",
	Long: `FerretBot drives AI agent workflows through a durable run/step state
machine, bridging interactive clients to the engine over a line-delimited
JSON gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if messageFlag != "" {
			return runMessage(cmd, nil)
		}
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "unix socket path of the gateway (default: from config)")
	rootCmd.PersistentFlags().StringVar(&tcpHost, "host", "", "tcp host of the gateway, used instead of --socket")
	rootCmd.PersistentFlags().IntVar(&tcpPort, "port", 0, "tcp port of the gateway")
	rootCmd.PersistentFlags().BoolVar(&watch, "watch", false, "keep streaming gateway events after the command completes")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 10*time.Second, "command timeout for client connections")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("ferretbot {{.Version}}\n")
}
