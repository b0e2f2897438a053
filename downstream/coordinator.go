package downstream

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/ldmgo/ldm/internal/fiq"
	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/sessionmem"
	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
	ldmrpc "github.com/ldmgo/ldm/rpc"
)

// Config identifies one feed subscription (spec.md §4.5).
type Config struct {
	Host            string
	Feed            string
	UpstreamAddress string
	SessionMemPath  string
	Backoff         time.Duration
}

// Coordinator owns the three DLDM sub-tasks for one feed subscription:
// the multicast receiver callbacks, the backstop requester, and the
// backlog requester (spec.md §4.5).
type Coordinator struct {
	cfg    Config
	logger *logp.Logger
	queue  *pq.Queue

	missed *fiq.Queue[uint64]

	mu           sync.Mutex
	inFlight     map[uint64]pq.RegionHandle
	sessionID    string
	sessionStart time.Time
	backlogDone  bool
}

// New builds a Coordinator bound to queue for the given subscription.
func New(logger *logp.Logger, queue *pq.Queue, cfg Config) *Coordinator {
	if logger == nil {
		logger = logp.NewLogger("dldm")
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		missed:   fiq.New[uint64](),
		inFlight: make(map[uint64]pq.RegionHandle),
	}
}

// Serve registers the coordinator as the net/rpc "Downstream" service the
// upstream calls back into for DeliverProduct and EndBacklog, and accepts
// connections on listen until it is closed (spec.md §6).
func (c *Coordinator) Serve(listen string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Downstream", c); err != nil {
		return nil, fmt.Errorf("downstream: register: %w", err)
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("downstream: listen %s: %w", listen, err)
	}
	go server.Accept(ln)
	return ln, nil
}

// Subscribe establishes this coordinator's session with the upstream,
// registering callbackAddress (this coordinator's own Serve listener) so
// the upstream streams live matching products back via DeliverProduct
// (spec.md §4.4, §4.5). The returned session ID is also required by
// RequestByIndex and RequestBacklog, so this must be called before
// RunBackstopRequester or RunBacklogRequester can recover anything.
func (c *Coordinator) Subscribe(class ldmrpc.ClassArg, callbackAddress string) error {
	client, err := rpc.Dial("tcp", c.cfg.UpstreamAddress)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply ldmrpc.SubscribeReply
	if err := client.Call("Upstream.Subscribe", &ldmrpc.SubscribeArgs{
		Class:           class,
		CallbackAddress: callbackAddress,
	}, &reply); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = reply.SessionID
	c.sessionStart = time.Now()
	c.mu.Unlock()
	return nil
}

// BeginOfProduct implements FMTPReceiver.BeginOfProduct (spec.md §4.5
// step 1: "begin calls reserve; if duplicate, returns dup").
func (c *Coordinator) BeginOfProduct(size uint32, signature xdr.Signature) (writePointer []byte, dup bool, err error) {
	ptr, handle, err := c.queue.Reserve(uint64(size), signature)
	if err != nil {
		if ldmerr.Is(err, ldmerr.Dup) {
			return nil, true, nil
		}
		return nil, false, err
	}
	c.mu.Lock()
	c.inFlight[handle.SlotIndex()] = handle
	c.mu.Unlock()
	return ptr, false, nil
}

// EndOfProduct implements FMTPReceiver.EndOfProduct (spec.md §4.5 step 1:
// "end decodes the XDR header ... validates info.size <= reserved-size,
// and commits or discards").
func (c *Coordinator) EndOfProduct(index uint64, duration time.Duration, retransmitted bool) error {
	c.mu.Lock()
	handle, ok := c.inFlight[index]
	delete(c.inFlight, index)
	c.mu.Unlock()
	if !ok {
		return ldmerr.New("downstream.EndOfProduct", ldmerr.NotFound)
	}

	region := handle.Region(c.queue)
	info, _, err := xdr.Decode(region)
	if err != nil {
		c.logger.Warnf("discarding product %d: xdr decode: %v", index, err)
		return c.queue.Discard(handle)
	}
	if err := c.queue.Commit(handle, info, pq.CommitOptions{Signal: true}); err != nil {
		c.logger.Warnf("discarding product %d: commit: %v", index, err)
		return err
	}
	return nil
}

// MissedProduct implements FMTPReceiver.MissedProduct (spec.md §4.5 step
// 1: "missed enqueues the product-index on the backstop request queue
// and discards any in-progress reservation").
func (c *Coordinator) MissedProduct(index uint64) error {
	c.mu.Lock()
	handle, ok := c.inFlight[index]
	delete(c.inFlight, index)
	c.mu.Unlock()
	if ok {
		_ = c.queue.Discard(handle)
	}
	c.missed.Add(index)
	return nil
}

// RunBackstopRequester implements spec.md §4.5 step 2: dequeues missed
// product indices and issues request-by-index against the upstream,
// installing recovered products with insert_no_signal. It runs until
// stop is closed.
func (c *Coordinator) RunBackstopRequester(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			c.missed.Close()
			return
		default:
		}
		index, ok := c.missed.Remove()
		if !ok {
			return // queue closed
		}
		if err := c.recoverByIndex(index); err != nil {
			c.logger.Warnf("backstop request for index %d failed: %v", index, err)
		}
	}
}

func (c *Coordinator) recoverByIndex(index uint64) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ldmerr.New("downstream.recoverByIndex", ldmerr.Inval)
	}

	client, err := rpc.Dial("tcp", c.cfg.UpstreamAddress)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply ldmrpc.RequestByIndexReply
	if err := client.Call("Upstream.RequestByIndex", &ldmrpc.RequestByIndexArgs{
		SessionID: sessionID,
		Index:     index,
	}, &reply); err != nil {
		return err
	}
	if !reply.Found {
		return nil
	}
	return c.queue.InsertNoSignal(reply.Info, reply.Data)
}

// RunBacklogRequester implements spec.md §4.5 step 3: when called, it
// requests the backlog since the last persisted timestamp and returns
// once the upstream has replied; session memory is consulted first so a
// restarted coordinator doesn't re-request already-received history. It
// does not wait for a first receipt itself: the request goes out when
// the caller invokes it.
func (c *Coordinator) RunBacklogRequester() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ldmerr.New("downstream.RunBacklogRequester", ldmerr.Inval)
	}

	rec, err := sessionmem.Load(c.cfg.SessionMemPath)
	if err != nil {
		return err
	}

	client, err := rpc.Dial("tcp", c.cfg.UpstreamAddress)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Call("Upstream.RequestBacklog", &ldmrpc.RequestBacklogArgs{
		SessionID: sessionID,
		Since:     rec.LastInsertionTime,
	}, &ldmrpc.RequestBacklogReply{}); err != nil {
		return err
	}

	c.mu.Lock()
	c.backlogDone = true
	c.mu.Unlock()
	return nil
}

// SaveSession persists last-received state to the session-memory file
// (spec.md §4.5, §6).
func (c *Coordinator) SaveSession(rec sessionmem.Record) error {
	return sessionmem.Save(c.cfg.SessionMemPath, rec)
}

// DeliverProduct is the net/rpc method the upstream calls back into for
// unicast-fallback delivery (spec.md §6 deliver_product) and for backlog
// replay; it installs the product without raising SIGCONT, matching the
// backstop/backlog path's "insert_no_signal" contract.
func (c *Coordinator) DeliverProduct(args *ldmrpc.DeliverProductArgs, _ *struct{}) error {
	return c.queue.InsertNoSignal(args.Info, args.Data)
}

// EndBacklog is the net/rpc method the upstream calls once a
// RequestBacklog replay has finished.
func (c *Coordinator) EndBacklog(args *ldmrpc.EndBacklogArgs, _ *struct{}) error {
	c.mu.Lock()
	c.backlogDone = true
	c.mu.Unlock()
	return nil
}
