package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/soildesigngroup/cm5-maker-desk/db"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

const (
	flagAddr      = "addr"
	flagTimeout   = "timeout"
	flagDevice    = "device"
	flagAction    = "action"
	flagParams    = "params"
	flagRequestID = "request-id"
	flagInterval  = "interval"
	flagDevices   = "devices"
	flagDB        = "db"
	flagLimit     = "limit"
	flagKeep      = "keep"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "hmictl",
		Usage: "talk to a running HMI device server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagAddr, Value: "127.0.0.1:8081", Usage: "server address", EnvVars: []string{"HMI_ADDR"}},
			&cli.DurationFlag{Name: flagTimeout, Value: 10 * time.Second, Usage: "request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "send one command",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagAction, Required: true},
					&cli.StringFlag{Name: flagDevice, Usage: "device id; empty for system actions"},
					&cli.StringFlag{Name: flagParams, Usage: "params as a JSON object"},
					&cli.StringFlag{Name: flagRequestID},
				},
				Action: sendAction,
			},
			{
				Name:   "status",
				Usage:  "show system status",
				Action: statusAction,
			},
			{
				Name:  "monitor",
				Usage: "control background monitoring",
				Subcommands: []*cli.Command{
					{
						Name: "start",
						Flags: []cli.Flag{
							&cli.Float64Flag{Name: flagInterval, Value: 1, Usage: "seconds between polls"},
							&cli.StringSliceFlag{Name: flagDevices, Usage: "devices to poll; all when empty"},
						},
						Action: monitorStartAction,
					},
					{
						Name: "stop",
						Action: func(c *cli.Context) error {
							return run(c, dispatch.Request{Action: dispatch.ActionStopMonitoring})
						},
					},
				},
			},
			{
				Name:  "history",
				Usage: "print recorded monitoring frames",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Value: "data/history.db"},
					&cli.StringFlag{Name: flagDevice},
					&cli.IntFlag{Name: flagLimit, Value: 20},
				},
				Action: historyAction,
			},
			{
				Name:  "commands",
				Usage: "print logged commands",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Value: "data/history.db"},
					&cli.IntFlag{Name: flagLimit, Value: 20},
				},
				Action: commandsAction,
			},
			{
				Name:  "counts",
				Usage: "print the number of recorded frames per device",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Value: "data/history.db"},
				},
				Action: func(c *cli.Context) error {
					counts, err := db.CountsCLI(c.String(flagDB))
					if err != nil {
						return err
					}
					return printJSON(c, counts)
				},
			},
			{
				Name:  "prune",
				Usage: "delete recorded history older than --keep",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Value: "data/history.db"},
					&cli.DurationFlag{Name: flagKeep, Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					n, err := db.PruneCLI(c.String(flagDB), c.Duration(flagKeep))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "removed %d frames\n", n)
					return nil
				},
			},
		},
	}
}

func clientFor(c *cli.Context) *client {
	return newClient(c.String(flagAddr), c.Duration(flagTimeout))
}

// run sends req and prints the reply. A failed command exits non-zero.
func run(c *cli.Context, req dispatch.Request) error {
	resp, err := clientFor(c).command(req)
	if err != nil {
		return err
	}
	if err := printJSON(c, resp); err != nil {
		return err
	}
	if !resp.Success {
		return cli.Exit("", 2)
	}
	return nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseParams(raw string) (device.Params, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p device.Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return p, nil
}

func sendAction(c *cli.Context) error {
	params, err := parseParams(c.String(flagParams))
	if err != nil {
		return err
	}
	return run(c, dispatch.Request{
		Action:    c.String(flagAction),
		Device:    c.String(flagDevice),
		Params:    params,
		RequestID: c.String(flagRequestID),
	})
}

func statusAction(c *cli.Context) error {
	var resp dispatch.Response
	if err := clientFor(c).get("/api/status", &resp); err != nil {
		return err
	}
	return printJSON(c, resp)
}

func monitorStartAction(c *cli.Context) error {
	if c.Float64(flagInterval) <= 0 {
		return errors.New("--interval must be positive")
	}
	params := device.Params{"interval": c.Float64(flagInterval)}
	if devs := c.StringSlice(flagDevices); len(devs) > 0 {
		list := make([]any, len(devs))
		for i, d := range devs {
			list[i] = d
		}
		params["devices"] = list
	}
	return run(c, dispatch.Request{Action: dispatch.ActionStartMonitoring, Params: params})
}

func historyAction(c *cli.Context) error {
	results, err := db.HistoryCLI(c.String(flagDB), c.String(flagDevice), c.Int(flagLimit))
	if err != nil {
		return err
	}
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED " + r.Error
		}
		fmt.Fprintf(c.App.Writer, "%s  %-8s  %s\n", r.Timestamp.Format(time.RFC3339), r.Device, status)
	}
	return nil
}

func commandsAction(c *cli.Context) error {
	cmds, err := db.CommandsCLI(c.String(flagDB), c.Int(flagLimit))
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		status := "ok"
		if !cmd.Success {
			status = "FAILED " + cmd.Error
		}
		target := cmd.Device
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(c.App.Writer, "%s  %-4s  %-8s  %-20s  %s\n", cmd.Timestamp.Format(time.RFC3339), cmd.Source, target, cmd.Action, status)
	}
	return nil
}
