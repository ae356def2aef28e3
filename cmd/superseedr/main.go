// Command superseedr is the swarm engine's command-line ingress
// (spec.md §4.9). With no argument it becomes the running instance;
// with a magnet URI, a .torrent file path, or the literal
// "stop-client" it forwards to an already-running instance's
// rendezvous socket and exits.
package main

import (
	"fmt"
	"os"

	"github.com/cenkalti/log"
	"github.com/urfave/cli"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/session"
)

const defaultConfig = "~/.config/superseedr/config.toml"

func main() {
	app := cli.NewApp()
	app.Name = "superseedr"
	app.Usage = "a standalone BitTorrent swarm engine"
	app.Version = "0.1.0"
	app.ArgsUsage = "[magnet-uri|torrent-file|stop-client]"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: defaultConfig, Usage: "config file"},
		cli.BoolFlag{Name: "debug, d", Usage: "enable debug log"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() > 1 {
		return cli.NewExitError("at most one argument is accepted", 1)
	}

	cfg, err := session.LoadConfig(c.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if c.Bool("debug") {
		logger.SetLevel(log.DEBUG)
	}

	arg := c.Args().First()
	become, exitCode := session.ForwardOrBecomeInstance(session.SocketPath(cfg.ConfigDir), arg)
	if !become {
		os.Exit(exitCode)
	}

	s, err := session.New(cfg)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	if arg != "" && arg != "stop-client" {
		if _, err := s.Add(arg); err != nil {
			fmt.Fprintln(os.Stderr, "add:", err)
		}
	}

	s.Wait()
	return nil
}
