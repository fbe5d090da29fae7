package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/task"
)

// Bus wraps a task.Store with in-process change notification. Successful
// Create, Apply and Delete calls signal the row's clinic to local subscribers
// and to every attached Publisher.
type Bus struct {
	task.Store
	hub  hub
	pubs []Publisher
	log  logrus.FieldLogger
}

// NewBus creates a Bus wrapping the given store.
func NewBus(store task.Store, log logrus.FieldLogger, pubs ...Publisher) *Bus {
	return &Bus{Store: store, pubs: pubs, log: log}
}

// Subscribe implements Feed for changes made through this Bus.
func (b *Bus) Subscribe(ctx context.Context, clinicID string, onChange func()) (Unsubscribe, error) {
	return b.hub.add(ctx, clinicID, onChange), nil
}

// Subscribers returns the number of live subscriptions for a clinic.
func (b *Bus) Subscribers(clinicID string) int {
	return b.hub.count(clinicID)
}

func (b *Bus) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	row, err := b.Store.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	b.changed(ctx, row.ClinicID)
	return row, nil
}

func (b *Bus) Apply(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	row, err := b.Store.Apply(ctx, id, p)
	if err != nil {
		return nil, err
	}
	b.changed(ctx, row.ClinicID)
	return row, nil
}

// Delete looks the row up first so the right clinic can be signalled.
func (b *Bus) Delete(ctx context.Context, id string) error {
	row, getErr := b.Store.Get(ctx, id)
	if err := b.Store.Delete(ctx, id); err != nil {
		return err
	}
	if getErr == nil {
		b.changed(ctx, row.ClinicID)
	}
	return nil
}

func (b *Bus) changed(ctx context.Context, clinicID string) {
	b.hub.publish(clinicID)
	for _, p := range b.pubs {
		if err := p.Publish(ctx, clinicID); err != nil {
			// The write already landed; remote devices catch up on their
			// next periodic refresh.
			b.log.WithError(err).WithField("clinic_id", clinicID).Warn("publish change")
		}
	}
}
