// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// driver triggers a registered job according to its strategy.
type driver interface {
	start() error
	stop()
	// retry is called after a failed trigger while the job is registered.
	retry()
}

func (m *Manager) newDriver(j *Job) (driver, error) {
	switch j.Strategy() {
	case EventBased:
		if m.bus == nil {
			return nil, errors.Errorf("gcjob: no event bus for job %s", j.name)
		}
		return &eventDriver{m: m, j: j}, nil
	case CycleBased:
		return &cycleDriver{m: m, j: j}, nil
	case TimeBased:
		return &timeDriver{m: m, j: j}, nil
	}
	return nil, errors.Wrapf(ErrUnknownStrategy, "job %s: %q", j.name, j.Strategy())
}

// -- CycleBased --

// every fires at a fixed interval. The first fire is one interval after
// the job has been registered.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type cycleDriver struct {
	m  *Manager
	j  *Job
	id cron.EntryID
}

func (d *cycleDriver) start() error {
	d.id = d.m.cron.Schedule(every(d.j.kind.Interval), cron.FuncJob(func() { d.j.fire() }))
	return nil
}

func (d *cycleDriver) stop() { d.m.cron.Remove(d.id) }

func (d *cycleDriver) retry() {}

// -- TimeBased --

// once fires a single time at the given time. A time in the past fires
// as soon as possible.
type once struct {
	at    time.Time
	fired atomic.Bool
}

func (o *once) Next(time.Time) time.Time {
	if o.fired.Swap(true) {
		return time.Time{}
	}
	return o.at
}

type timeDriver struct {
	m *Manager
	j *Job

	mu      sync.Mutex
	id      cron.EntryID
	stopped bool
}

func (d *timeDriver) next() time.Time {
	if t, ok := d.j.runner.(Timed); ok {
		if at := t.NextTime(); !at.IsZero() {
			return at
		}
	}
	return time.Now().Add(d.j.kind.Delay)
}

func (d *timeDriver) arm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.id != 0 {
		d.m.cron.Remove(d.id)
	}
	at := d.next()
	d.id = d.m.cron.Schedule(&once{at: at}, cron.FuncJob(func() { d.j.fire() }))
	d.m.logger.Debug("armed job", append(d.j.fields(), zap.Time("at", at))...)
}

func (d *timeDriver) start() error {
	d.arm()
	return nil
}

func (d *timeDriver) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.m.cron.Remove(d.id)
}

func (d *timeDriver) retry() { d.arm() }

// -- EventBased --

type eventDriver struct {
	m      *Manager
	j      *Job
	cancel context.CancelFunc
}

func (d *eventDriver) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	for _, topic := range d.j.kind.Topics {
		msgs, err := d.m.bus.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "gcjob: subscribe to %s", topic)
		}
		go d.consume(topic, msgs)
	}
	d.cancel = cancel
	return nil
}

func (d *eventDriver) consume(topic string, msgs <-chan *message.Message) {
	filter, _ := d.j.runner.(EventFilter)
	for msg := range msgs {
		msg.Ack()
		if filter != nil && !filter.Accept(newEvent(topic, msg)) {
			continue
		}
		d.j.fire()
	}
}

// stop does not wait for the consumers. A job may deregister itself
// from within its own trigger.
func (d *eventDriver) stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *eventDriver) retry() {}
