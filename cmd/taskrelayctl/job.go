package main

import (
	"github.com/urfave/cli/v2"
)

func jobGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch one or more jobs by id",
		ArgsUsage: "<id,id,...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "log", Usage: "include each job's log"},
		},
		Action: func(c *cli.Context) error {
			result, err := clientFromContext(c).call("jobs.getJob", map[string]interface{}{
				"ids":    idsArg(c),
				"getLog": c.Bool("log"),
			})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

// cascadeCommand builds jobCancel/jobRestart's CLI surface. Its two flags
// are left out of the request entirely unless the caller actually passed
// them, so an omitted flag reaches the server as an omitted field rather
// than an explicit false -- the server applies jobCancel/jobRestart's own
// default for whichever of antecedents/dependents it doesn't see.
func cascadeCommand(name, method, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id,id,...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "antecedents", Usage: "cascade to antecedents (jobs this one depends on)"},
			&cli.BoolFlag{Name: "dependents", Usage: "cascade to dependents (jobs that depend on this one)"},
		},
		Action: func(c *cli.Context) error {
			params := map[string]interface{}{"ids": idsArg(c)}
			if c.IsSet("antecedents") {
				params["antecedents"] = c.Bool("antecedents")
			}
			if c.IsSet("dependents") {
				params["dependents"] = c.Bool("dependents")
			}
			result, err := clientFromContext(c).call(method, params)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func jobCancelCommand() *cli.Command {
	return cascadeCommand("cancel", "jobs.jobCancel", "cancel one or more jobs")
}

func jobRestartCommand() *cli.Command {
	return cascadeCommand("restart", "jobs.jobRestart", "restart one or more jobs")
}

func idsCommand(name, method, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id,id,...>",
		Action: func(c *cli.Context) error {
			result, err := clientFromContext(c).call(method, map[string]interface{}{"ids": idsArg(c)})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func jobPauseCommand() *cli.Command {
	return idsCommand("pause", "jobs.jobPause", "pause one or more waiting/ready jobs")
}

func jobResumeCommand() *cli.Command {
	return idsCommand("resume", "jobs.jobResume", "resume one or more paused jobs")
}

func jobRemoveCommand() *cli.Command {
	return idsCommand("remove", "jobs.jobRemove", "remove one or more terminal jobs")
}
