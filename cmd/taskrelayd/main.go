package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/server/config"
)

func initFatal(err error, doing string) {
	fmt.Fprintf(os.Stderr, "Failed to %s: %v\n", doing, err)
	os.Exit(1)
}

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "taskrelayd",
		Short: "taskrelayd runs the job queue server",
		Long: `
taskrelayd is the persistent, distributed job queue server.

Use taskrelayd serve to run the RPC server. Use taskrelayd config dump to
see the fully resolved configuration (flags > env > config file > default).
`,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager, &configFile))
	rootCmd.AddCommand(createConfigDumpCmd(configManager, &configFile))

	if err := rootCmd.Execute(); err != nil {
		initFatal(err, "execute command")
	}
}
