package memory

import (
	"context"
	"sync"

	"github.com/trickstertwo/xauth"
)

type deliveryTask struct {
	tr    *Transport
	group *group
	msg   *xauth.Message
}

// delivery settles a task exactly once.
type delivery struct {
	task *deliveryTask
	once sync.Once
}

func (d *delivery) Message() *xauth.Message { return d.task.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.task.tr.metrics.acked.Add(1) })
	return nil
}

// Nack requeues the message for another worker of the same group.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.task.tr.metrics.nacked.Add(1)
		d.task.tr.redeliver(d.task)
	})
	return nil
}
