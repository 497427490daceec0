package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/smartnic-emu/snapctrl/pkg/controller"
	"github.com/smartnic-emu/snapctrl/pkg/device"
)

var ctrlCommand = cli.Command{
	Name:  "ctrl",
	Usage: "drive a per-function controller",
	Subcommands: []cli.Command{
		ctrlStartCommand,
		ctrlMigrateSaveCommand,
		ctrlMigrateRestoreCommand,
		ctrlDirtyTrackCommand,
	},
}

var ctrlStartCommand = cli.Command{
	Name:  "start",
	Usage: "open a device against a PF/VF slot and transition its controller to STARTED",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Usage: "pf_id", Required: true},
		cli.IntFlag{Name: "vhca-id", Required: true},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueue slots to reserve", Value: 1},
		cli.IntFlag{Name: "npgs", Usage: "number of polling groups", Value: 1},
		cli.BoolFlag{Name: "legacy-tunnel"},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		slot := &device.PFSlot{
			Class:  device.Class(c.String("class")),
			Index:  c.Int("index"),
			VhcaID: uint16(c.Int("vhca-id")),
		}

		dev := device.Open(slot, sess.channel, c.Bool("legacy-tunnel"), 0)
		if err := dev.InitDevice(context.Background()); err != nil {
			return err
		}

		cfg := controller.Config{PFID: c.Int("index"), Npgs: c.Int("npgs")}
		ctrl, err := controller.New(cfg, dev, c.Int("queues"))
		if err != nil {
			return err
		}

		attr, err := dev.QueryDevice(context.Background())
		if err != nil {
			return err
		}
		if err := ctrl.Start(context.Background(), attr); err != nil {
			return err
		}

		fmt.Printf("controller started: state=%s\n", ctrl.State())
		return nil
	},
}

var ctrlMigrateSaveCommand = cli.Command{
	Name:  "migrate-save",
	Usage: "open a controller, quiesce+freeze it, and serialize its migratable state to a file",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "out", Usage: "output payload path", Required: true},
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Usage: "pf_id", Required: true},
		cli.IntFlag{Name: "vhca-id", Required: true},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueue slots to reserve", Value: 1},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		slot := &device.PFSlot{
			Class:  device.Class(c.String("class")),
			Index:  c.Int("index"),
			VhcaID: uint16(c.Int("vhca-id")),
		}
		dev := device.Open(slot, sess.channel, false, 0)
		if err := dev.InitDevice(context.Background()); err != nil {
			return err
		}

		ctrl, err := controller.New(controller.Config{PFID: c.Int("index")}, dev, c.Int("queues"))
		if err != nil {
			return err
		}
		attr, err := dev.QueryDevice(context.Background())
		if err != nil {
			return err
		}
		if err := ctrl.Start(context.Background(), attr); err != nil {
			return err
		}
		if err := ctrl.Quiesce(context.Background()); err != nil {
			return err
		}
		if err := ctrl.Freeze(); err != nil {
			return err
		}

		payload, err := ctrl.StateSave(context.Background(), controller.ClassState{})
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.String("out"), payload, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", len(payload), c.String("out"))
		return nil
	},
}

var ctrlMigrateRestoreCommand = cli.Command{
	Name:  "migrate-restore",
	Usage: "restore a controller from a migrate-save payload",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "in", Usage: "payload path to restore from", Required: true},
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Usage: "pf_id", Required: true},
		cli.IntFlag{Name: "vhca-id", Required: true},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueue slots to reserve", Value: 1},
	},
	Action: func(c *cli.Context) error {
		sess := sessionFrom(c)
		payload, err := os.ReadFile(c.String("in"))
		if err != nil {
			return err
		}

		slot := &device.PFSlot{
			Class:  device.Class(c.String("class")),
			Index:  c.Int("index"),
			VhcaID: uint16(c.Int("vhca-id")),
		}
		dev := device.Open(slot, sess.channel, false, 0)

		ctrl, err := controller.New(controller.Config{PFID: c.Int("index")}, dev, c.Int("queues"))
		if err != nil {
			return err
		}
		if err := ctrl.StateRestore(context.Background(), payload, controller.ClassState{}); err != nil {
			return err
		}

		fmt.Printf("restored controller: state=%s\n", ctrl.State())
		return nil
	},
}

var ctrlDirtyTrackCommand = cli.Command{
	Name:  "dirty-track",
	Usage: "open a controller, start it, and toggle dirty-page write logging",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "enable"},
		cli.BoolFlag{Name: "disable"},
		cli.Uint64Flag{Name: "page-size", Value: 0x1000},
		cli.StringFlag{Name: "class", Required: true},
		cli.IntFlag{Name: "index", Usage: "pf_id", Required: true},
		cli.IntFlag{Name: "vhca-id", Required: true},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueue slots to reserve", Value: 1},
	},
	Action: func(c *cli.Context) error {
		if c.Bool("enable") == c.Bool("disable") {
			return fmt.Errorf("dirty-track: exactly one of --enable/--disable is required")
		}

		sess := sessionFrom(c)
		slot := &device.PFSlot{
			Class:  device.Class(c.String("class")),
			Index:  c.Int("index"),
			VhcaID: uint16(c.Int("vhca-id")),
		}
		dev := device.Open(slot, sess.channel, false, 0)
		if err := dev.InitDevice(context.Background()); err != nil {
			return err
		}

		ctrl, err := controller.New(controller.Config{PFID: c.Int("index")}, dev, c.Int("queues"))
		if err != nil {
			return err
		}
		attr, err := dev.QueryDevice(context.Background())
		if err != nil {
			return err
		}
		if err := ctrl.Start(context.Background(), attr); err != nil {
			return err
		}

		if c.Bool("disable") {
			ctrl.StartDirtyPagesTrack(context.Background(), false, nil)
			fmt.Println("dirty-page tracking disabled")
			return nil
		}
		tracker := controller.NewHashSetTracker(c.Uint64("page-size"))
		ctrl.StartDirtyPagesTrack(context.Background(), true, tracker)
		fmt.Println("dirty-page tracking enabled")
		return nil
	},
}
