package pq

import "github.com/elastic/elastic-agent-libs/monitoring"

// Observer receives queue lifecycle events for metrics purposes, grounded
// directly on the teacher's publisher/queue.Observer (constructed via
// queue.NewQueueObserver and threaded through diskQueue/NewQueue).
// LDM-Go's Observer publishes the same events against an
// elastic-agent-libs/monitoring registry instead of a beats-specific one.
type Observer interface {
	MaxBytes(n int)
	Restore(products, bytes int)
	Inserted(n, bytes int)
	Removed(n, bytes int)
	Duplicate()
}

type registryObserver struct {
	products  *monitoring.Uint
	bytes     *monitoring.Uint
	maxBytes  *monitoring.Uint
	duplicates *monitoring.Uint
}

// NewObserver returns an Observer that publishes into reg, or a no-op
// observer if reg is nil (the same nil-tolerant contract as the
// teacher's queue.NewQueueObserver(nil) call in NewQueue).
func NewObserver(reg *monitoring.Registry) Observer {
	if reg == nil {
		return noopObserver{}
	}
	return &registryObserver{
		products:   monitoring.NewUint(reg, "queue.products"),
		bytes:      monitoring.NewUint(reg, "queue.bytes_used"),
		maxBytes:   monitoring.NewUint(reg, "queue.max_bytes"),
		duplicates: monitoring.NewUint(reg, "queue.duplicates"),
	}
}

func (o *registryObserver) MaxBytes(n int) { o.maxBytes.Set(uint64(n)) }

func (o *registryObserver) Restore(products, bytes int) {
	o.products.Set(uint64(products))
	o.bytes.Set(uint64(bytes))
}

func (o *registryObserver) Inserted(n, bytes int) {
	o.products.Add(uint64(n))
	o.bytes.Add(uint64(bytes))
}

func (o *registryObserver) Removed(n, bytes int) {
	sub := func(u *monitoring.Uint, v uint64) {
		if cur := u.Get(); cur >= v {
			u.Set(cur - v)
		} else {
			u.Set(0)
		}
	}
	sub(o.products, uint64(n))
	sub(o.bytes, uint64(bytes))
}

func (o *registryObserver) Duplicate() { o.duplicates.Inc() }

type noopObserver struct{}

func (noopObserver) MaxBytes(int)      {}
func (noopObserver) Restore(int, int)  {}
func (noopObserver) Inserted(int, int) {}
func (noopObserver) Removed(int, int)  {}
func (noopObserver) Duplicate()        {}
