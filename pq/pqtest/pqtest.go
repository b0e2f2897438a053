// Package pqtest provides a reusable producer/consumer conformance
// harness for pq.Queue implementations, grounded on the teacher's
// publisher/queue/queuetest factory pattern: a test supplies a
// QueueFactory and the harness drives it through concurrent
// producers and consumers, failing the test on any mismatch.
package pqtest

import (
	"crypto/md5"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
)

// QueueFactory builds a fresh, empty queue for a single test.
type QueueFactory func(t *testing.T) *pq.Queue

// TestSingleProducerConsumer inserts n products from one producer
// goroutine and drains exactly n via a sequencer in a consumer
// goroutine, failing t if the counts or ordering don't match.
func TestSingleProducerConsumer(t *testing.T, n int, factory QueueFactory) {
	t.Helper()
	q := factory(t)
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			info := xdr.Info{
				Signature: md5.Sum([]byte(fmt.Sprintf("pqtest-%d", i))),
				Feedtype:  1,
				Identity:  fmt.Sprintf("/pqtest/%d", i),
				SeqNumber: uint32(i),
			}
			if err := q.InsertNoSignal(info, []byte("payload")); err != nil {
				t.Errorf("insert %d: %v", i, err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		sq := q.NewSequencer()
		seen := 0
		deadline := time.Now().Add(10 * time.Second)
		for seen < n && time.Now().Before(deadline) {
			err := sq.Sequence(pq.GT, nil, func(info xdr.Info, _ []byte) error {
				if info.SeqNumber != uint32(seen) {
					t.Errorf("out-of-order product: want seq %d, got %d", seen, info.SeqNumber)
				}
				seen++
				return nil
			})
			if ldmerr.Is(err, ldmerr.End) {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				t.Errorf("sequence: %v", err)
				return
			}
		}
		if seen != n {
			t.Errorf("consumed %d products, want %d", seen, n)
		}
	}()

	wg.Wait()
}

// TestMultiProducerConsumer runs producers concurrent goroutines each
// inserting perProducer products with distinct signatures, then drains
// the total with a single consumer, checking only the count (ordering
// across interleaved producers is not guaranteed).
func TestMultiProducerConsumer(t *testing.T, producers, perProducer int, factory QueueFactory) {
	t.Helper()
	q := factory(t)
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(producers + 1)

	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				info := xdr.Info{
					Signature: md5.Sum([]byte(fmt.Sprintf("pqtest-%d-%d", p, i))),
					Feedtype:  1,
					Identity:  fmt.Sprintf("/pqtest/%d/%d", p, i),
					SeqNumber: uint32(i),
				}
				if err := q.InsertNoSignal(info, []byte("payload")); err != nil {
					t.Errorf("producer %d insert %d: %v", p, i, err)
					return
				}
			}
		}(p)
	}

	total := producers * perProducer
	go func() {
		defer wg.Done()
		sq := q.NewSequencer()
		seen := 0
		deadline := time.Now().Add(10 * time.Second)
		for seen < total && time.Now().Before(deadline) {
			err := sq.Sequence(pq.GT, nil, func(xdr.Info, []byte) error {
				seen++
				return nil
			})
			if ldmerr.Is(err, ldmerr.End) {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				t.Errorf("sequence: %v", err)
				return
			}
		}
		if seen != total {
			t.Errorf("consumed %d products, want %d", seen, total)
		}
	}()

	wg.Wait()
}
