// Package logging gives every subsystem (cmdchan, dma, device, virtqueue,
// controller) a package-level *logrus.Entry tagged with its name: one
// shared logger the embedding process can redirect, never a bespoke
// log.Logger per package.
package logging

import "github.com/sirupsen/logrus"

var root = logrus.WithField("source", "snapctrl")

var subsystems = map[string]*logrus.Entry{}

// For gives the named subsystem its logger, creating one on first use.
func For(subsystem string) *logrus.Entry {
	if e, ok := subsystems[subsystem]; ok {
		return e
	}
	e := root.WithField("subsystem", subsystem)
	subsystems[subsystem] = e
	return e
}

// SetLogger redirects every subsystem logger to be a child of logger,
// preserving each subsystem's "subsystem" field. Called once by the
// embedding process after it has configured logrus output
// and level.
func SetLogger(logger *logrus.Entry) {
	root = logger
	for name := range subsystems {
		subsystems[name] = root.WithField("subsystem", name)
	}
}
