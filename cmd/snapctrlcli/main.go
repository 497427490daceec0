// Command snapctrlcli is a thin, one-shot administrative front-end for
// a running SmartNIC control plane: it dials the target, issues one
// operation, and exits.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/smartnic-emu/snapctrl/internal/logging"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
	"github.com/smartnic-emu/snapctrl/pkg/config"
	"github.com/smartnic-emu/snapctrl/pkg/device"
	"github.com/smartnic-emu/snapctrl/pkg/transport"
)

var log = logging.For("cli")

const configFlagName = "config"

// session bundles the resources a subcommand needs, built once in
// Before and torn down once in After.
type session struct {
	cfg     config.Config
	tr      *transport.UnixSocketTransport
	channel *cmdchan.Channel
	ctx     *device.Context
}

func main() {
	app := cli.NewApp()
	app.Name = "snapctrlcli"
	app.Usage = "administer a SmartNIC virtio/NVMe control plane"
	app.Version = "0.1.0"
	app.Metadata = map[string]interface{}{}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  configFlagName,
			Usage: "path to the TOML context configuration file",
			Value: "/etc/snapctrl/config.toml",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug-level logging",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		sess, err := openSession(c.GlobalString(configFlagName))
		if err != nil {
			return err
		}
		c.App.Metadata["session"] = sess
		return nil
	}

	app.After = func(c *cli.Context) error {
		sess, ok := c.App.Metadata["session"].(*session)
		if ok && sess.tr != nil {
			_ = sess.tr.Close()
		}
		return nil
	}

	app.Commands = []cli.Command{
		pfCommand,
		ctrlCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "snapctrlcli:", err)
		os.Exit(1)
	}
}

func openSession(configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tr, err := transport.Dial(cfg.Transport.Socket, cfg.Transport.Timeout())
	if err != nil {
		return nil, err
	}

	channel := cmdchan.New(tr)
	ctx := device.OpenContext(channel, cfg.Context.Capabilities())

	log.WithField("socket", cfg.Transport.Socket).Info("connected to control channel")
	return &session{cfg: cfg, tr: tr, channel: channel, ctx: ctx}, nil
}

func sessionFrom(c *cli.Context) *session {
	return c.App.Metadata["session"].(*session)
}
