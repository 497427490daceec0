package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/smartnic-emu/snapctrl/pkg/device"
)

var pfCommand = cli.Command{
	Name:  "pf",
	Usage: "inspect and hotplug physical functions",
	Subcommands: []cli.Command{
		pfListCommand,
		pfHotplugCommand,
		pfHotunplugCommand,
	},
}

var pfListCommand = cli.Command{
	Name:  "list",
	Usage: "list the PF slots allocated for a class",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "class", Usage: "device class (block, net, fs, nvme)", Required: true},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		class := device.Class(c.String("class"))
		for _, pf := range sess.ctx.PFSlots(class) {
			fmt.Printf("pf-id=%d bdf=%s vhca=%d hotplug=%t vfs=%d\n",
				pf.Index, pf.BDF, pf.VhcaID, pf.Hotplug, pf.NumVFs())
		}
		return nil
	},
}

var pfHotplugCommand = cli.Command{
	Name:  "hotplug",
	Usage: "hotplug a new PF slot",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Usage: "caller-chosen pf_id", Required: true},
		cli.StringFlag{Name: "bdf", Usage: "PCI bus:device.function to present"},
		cli.IntFlag{Name: "max-vfs", Usage: "hotplug VF capability"},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		pf, err := sess.ctx.HotplugPF(
			context.Background(),
			device.Class(c.String("class")),
			c.Int("index"),
			device.InitialRegisters{UseDefaults: true},
			device.PCIAttr{BDF: c.String("bdf")},
			c.Int("max-vfs"),
		)
		if err != nil {
			return err
		}
		fmt.Printf("hotplugged pf-id=%d vhca=%d vuid=%s\n", pf.Index, pf.VhcaID, pf.VUID)
		return nil
	},
}

var pfHotunplugCommand = cli.Command{
	Name:  "hotunplug",
	Usage: "hotunplug a previously hotplugged PF slot",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Required: true},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		pf := findSlot(sess, device.Class(c.String("class")), c.Int("index"))
		if pf == nil {
			return fmt.Errorf("pf hotunplug: no slot %s/%d", c.String("class"), c.Int("index"))
		}
		return sess.ctx.HotunplugPF(context.Background(), pf)
	},
}

func findSlot(sess *session, class device.Class, index int) *device.PFSlot {
	for _, pf := range sess.ctx.PFSlots(class) {
		if pf.Index == index {
			return pf
		}
	}
	return nil
}
