package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskrelay/taskrelay/server/config"
)

func createConfigDumpCmd(configManager config.Manager, configFile *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Subcommands for inspecting taskrelayd configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Dump the resolved configuration in YAML, with secrets redacted",
		Long: `
Dump the resolved configuration in YAML format.

Configuration is read from flags, environment variables (TASKRELAY_*), an
optional --config file, and defaults, in that order of precedence. This
command prints the result of merging all four, with credentials redacted.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := configManager.LoadConfig(*configFile)
			if err != nil {
				initFatal(err, "loading config")
			}
			buf, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				initFatal(err, "marshalling config to yaml")
			}
			fmt.Println(string(buf))
		},
	})

	return configCmd
}
