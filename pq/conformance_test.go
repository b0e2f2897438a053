package pq_test

import (
	"path/filepath"
	"testing"

	"github.com/ldmgo/ldm/pq"
	"github.com/ldmgo/ldm/pq/pqtest"
)

func factory(byteCapacity, slotCapacity uint64) pqtest.QueueFactory {
	return func(t *testing.T) *pq.Queue {
		path := filepath.Join(t.TempDir(), "queue.pq")
		q, err := pq.Create(nil, path, byteCapacity, slotCapacity, 0o600, pq.FlagClobber)
		if err != nil {
			t.Fatal(err)
		}
		return q
	}
}

func TestConformanceSingleProducerConsumer(t *testing.T) {
	pqtest.TestSingleProducerConsumer(t, 200, factory(1<<22, 512))
}

func TestConformanceMultiProducerConsumer(t *testing.T) {
	pqtest.TestMultiProducerConsumer(t, 4, 50, factory(1<<22, 512))
}
