package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func addrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "addr",
		Value:   "http://localhost:8080",
		EnvVars: []string{"TASKRELAY_ADDR"},
		Usage:   "taskrelayd server address",
	}
}

func tokenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "token",
		EnvVars: []string{"TASKRELAY_TOKEN"},
		Usage:   "bearer token identifying the caller",
	}
}

func clientFromContext(c *cli.Context) *client {
	return newClient(c.String("addr"), c.String("token"))
}

func printResult(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func idsArg(c *cli.Context) []string {
	if c.NArg() == 0 {
		return nil
	}
	return strings.Split(c.Args().First(), ",")
}

func main() {
	app := &cli.App{
		Name:  "taskrelayctl",
		Usage: "Administrative CLI for taskrelayd",
		Flags: []cli.Flag{addrFlag(), tokenFlag()},
		Commands: []*cli.Command{
			{
				Name:  "job",
				Usage: "ad hoc calls against the jobs collection's RPC methods",
				Subcommands: []*cli.Command{
					jobGetCommand(),
					jobCancelCommand(),
					jobRestartCommand(),
					jobPauseCommand(),
					jobResumeCommand(),
					jobRemoveCommand(),
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
