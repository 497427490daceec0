package controller

import (
	"sync"

	"github.com/smartnic-emu/snapctrl/pkg/virtqueue"
)

// pollingGroup is one fixed slot in the controller's polling-group
// array; queues are round-robined across the array at start time. The
// lock guards the queue list so a queue can be scheduled or
// descheduled from a thread other than the group's owner (start and
// stop are the only callers that do).
type pollingGroup struct {
	mu     sync.Mutex
	queues []*virtqueue.Queue
}

func newPollingGroups(n int) []*pollingGroup {
	groups := make([]*pollingGroup, n)
	for i := range groups {
		groups[i] = &pollingGroup{}
	}
	return groups
}

func (g *pollingGroup) add(q *virtqueue.Queue) {
	g.mu.Lock()
	g.queues = append(g.queues, q)
	g.mu.Unlock()
}

func (g *pollingGroup) clear() {
	g.mu.Lock()
	g.queues = nil
	g.mu.Unlock()
}

func (g *pollingGroup) progress() {
	g.mu.Lock()
	queues := append([]*virtqueue.Queue(nil), g.queues...)
	g.mu.Unlock()

	for _, q := range queues {
		q.Progress()
	}
}

// IOProgressThread polls every queue assigned to polling group
// threadID. Safe to call concurrently with other threads polling
// different groups; must not be called concurrently with itself or
// ReconcileTick for the same controller.
func (c *Controller) IOProgressThread(threadID int) {
	if threadID < 0 || threadID >= len(c.groups) {
		return
	}
	c.groups[threadID].progress()
}

// IOProgress polls every group in sequence (single-threaded mode).
func (c *Controller) IOProgress() {
	for i := range c.groups {
		c.IOProgressThread(i)
	}
}
