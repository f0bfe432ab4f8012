package rt

import (
	"encoding/json"
	"sync"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/tools/safe"
)

type fanoutJob struct {
	payload    []byte
	recipients []string
}

// Dispatcher serializes an event once and fans it out to every channel of
// every recipient. Delivery runs on a small worker pool; a dead channel for
// one recipient never blocks delivery to the others, it just gets evicted
// from the registry.
type Dispatcher struct {
	reg  *Registry
	jobs chan fanoutJob

	closeOnce sync.Once
}

func NewDispatcher(reg *Registry, workers, queue int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	d := &Dispatcher{reg: reg, jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		safe.Go("rt.fanout", func() {
			for job := range d.jobs {
				d.deliver(job)
			}
		})
	}
	return d
}

// Publish serializes ev and queues delivery to the given recipients.
// Events are fire-and-forget: a full dispatch queue drops the event.
func (d *Dispatcher) Publish(ev wire.Event, recipients ...string) error {
	if len(recipients) == 0 {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case d.jobs <- fanoutJob{payload: payload, recipients: recipients}:
	default:
		logger.Warnf("[rt] dispatch queue full, drop event type=%s", ev.Type)
	}
	return nil
}

// Broadcast publishes ev to every currently connected identity except
// exclude. Typing events use this: scoping to the active conversation is
// done client-side.
func (d *Dispatcher) Broadcast(ev wire.Event, exclude string) error {
	users := d.reg.Users()
	recipients := users[:0]
	for _, u := range users {
		if u != exclude {
			recipients = append(recipients, u)
		}
	}
	return d.Publish(ev, recipients...)
}

func (d *Dispatcher) deliver(job fanoutJob) {
	for _, user := range job.recipients {
		for _, ch := range d.reg.ForUser(user) {
			if err := ch.Send(job.payload); err != nil {
				// Self-healing: a channel that cannot take writes is
				// closed and dropped, the rest keep receiving.
				ch.Close()
				d.reg.Remove(user, ch)
				logger.Infof("[rt] evict channel user=%s conn=%s err=%v", user, ch.ID(), err)
			}
		}
	}
}

// Close stops the workers. Pending jobs drain first.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.jobs) })
}
