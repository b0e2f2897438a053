package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/ldmgo/ldm/internal/classmatch"
	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
)

// MulticastLookup resolves the FMTP multicast endpoint currently serving
// a subscribed class, if any, so Subscribe can answer
// "assigned-FMTP-endpoint-or-none" (spec.md §4.4). A nil lookup always
// answers "none" (pure-RPC-fallback mode).
type MulticastLookup func(class *classmatch.Class) (address string, ok bool)

// suspendBetweenPolls is how long the per-session push loop backs off
// after an empty sequence pass before trying again, in lieu of relying
// solely on SIGCONT (a cross-process signal, not meaningful for a
// same-process RPC server goroutine).
const suspendBetweenPolls = 200 * time.Millisecond

// session is the per-client state the ULDM keeps outside the queue
// (spec.md §4.4: "Per-client state is kept outside the queue; the queue
// only provides cursor-by-signature and cursor-by-time").
type session struct {
	id              string
	class           *classmatch.Class
	sequencer       *pq.Sequencer
	callbackAddress string
	cancel          chan struct{}
}

// Upstream is the net/rpc service implementing C4: it accepts
// subscriptions, streams matching live products to each subscriber by
// running sequence_lock(GT, class, ...) in a per-session goroutine, and
// answers the backstop/backlog recovery calls the DLDM issues.
type Upstream struct {
	logger    *logp.Logger
	queue     *pq.Queue
	multicast MulticastLookup

	mu       sync.Mutex
	sessions map[string]*session
}

// NewUpstream builds an Upstream bound to queue. multicast may be nil.
func NewUpstream(logger *logp.Logger, queue *pq.Queue, multicast MulticastLookup) *Upstream {
	if logger == nil {
		logger = logp.NewLogger("uldm")
	}
	return &Upstream{
		logger:    logger,
		queue:     queue,
		multicast: multicast,
		sessions:  make(map[string]*session),
	}
}

// Serve registers Upstream as an RPC service and accepts connections on
// listen until the listener is closed (spec.md §6: "ONC-RPC over TCP for
// the control plane").
func Serve(logger *logp.Logger, listen string, u *Upstream) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Upstream", u); err != nil {
		return nil, fmt.Errorf("rpc: register Upstream: %w", err)
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", listen, err)
	}
	go server.Accept(ln)
	return ln, nil
}

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func decodeClass(arg ClassArg) (*classmatch.Class, error) {
	specs := make([]classmatch.FeedtypeSpec, len(arg.Specs))
	for i, s := range arg.Specs {
		specs[i] = classmatch.FeedtypeSpec{Feedtype: s.Feedtype, Pattern: s.Pattern}
	}
	class, err := classmatch.Compile(nil, arg.From, arg.To, specs)
	if err != nil {
		return nil, ldmerr.Wrap("rpc.Subscribe", ldmerr.Inval, err)
	}
	return class, nil
}

// Subscribe implements spec.md §4.4's subscribe(class) operation.
func (u *Upstream) Subscribe(args *SubscribeArgs, reply *SubscribeReply) error {
	class, err := decodeClass(args.Class)
	if err != nil {
		return err
	}

	sess := &session{
		id:              newSessionID(),
		class:           class,
		sequencer:       u.queue.NewSequencer(),
		callbackAddress: args.CallbackAddress,
		cancel:          make(chan struct{}),
	}
	u.mu.Lock()
	u.sessions[sess.id] = sess
	u.mu.Unlock()

	reply.SessionID = sess.id
	if u.multicast != nil {
		if addr, ok := u.multicast(class); ok {
			reply.HasMulticast = true
			reply.MulticastAddress = addr
		}
	}

	if args.CallbackAddress != "" {
		go u.stream(sess)
	}
	u.logger.Infof("session %s subscribed (multicast=%v)", sess.id, reply.HasMulticast)
	return nil
}

// stream runs the per-session push loop: sequence_lock(GT, class, ...),
// deliver, release, repeat; it backs off between empty passes rather
// than busy-polling (spec.md §4.3's suspend, adapted for an in-process
// goroutine rather than a signal-driven worker).
func (u *Upstream) stream(sess *session) {
	client, err := rpc.Dial("tcp", sess.callbackAddress)
	if err != nil {
		u.logger.Warnf("session %s: dial callback %s: %v", sess.id, sess.callbackAddress, err)
		return
	}
	defer client.Close()

	for {
		select {
		case <-sess.cancel:
			return
		default:
		}

		var deliver DeliverProductArgs
		deliver.SessionID = sess.id
		var matched bool
		offset, err := sess.sequencer.SequenceLock(pq.GT, sess.class, func(info xdr.Info, data []byte) error {
			deliver.Info = info
			deliver.Data = append([]byte(nil), data...)
			matched = true
			return nil
		})
		if err != nil {
			if !ldmerr.Is(err, ldmerr.End) {
				u.logger.Warnf("session %s: sequence: %v", sess.id, err)
			}
			select {
			case <-sess.cancel:
				return
			case <-time.After(suspendBetweenPolls):
			}
			continue
		}
		if !matched {
			continue
		}

		callErr := client.Call("Downstream.DeliverProduct", &deliver, &struct{}{})
		_ = sess.sequencer.Release(offset)
		if callErr != nil {
			u.logger.Warnf("session %s: deliver: %v", sess.id, callErr)
			return
		}
	}
}

// RequestByIndex implements spec.md §4.4's request-by-index, used by the
// DLDM backstop requester to recover a specific missed product.
func (u *Upstream) RequestByIndex(args *RequestByIndexArgs, reply *RequestByIndexReply) error {
	u.mu.Lock()
	sess, ok := u.sessions[args.SessionID]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("rpc: unknown session %s", args.SessionID)
	}

	sq := u.queue.NewSequencer()
	err := sq.AtOffset(args.Index, func(info xdr.Info, data []byte) error {
		reply.Found = true
		reply.Info = info
		reply.Data = append([]byte(nil), data...)
		return nil
	})
	if ldmerr.Is(err, ldmerr.NotFound) {
		reply.Found = false
		return nil
	}
	return err
}

// RequestBacklog implements spec.md §4.5's backlog-requester entry point
// on the upstream side: it streams every live product with
// insertion-time >= Since to the session's callback address, in cursor
// order, followed by an EndBacklog call.
func (u *Upstream) RequestBacklog(args *RequestBacklogArgs, reply *RequestBacklogReply) error {
	u.mu.Lock()
	sess, ok := u.sessions[args.SessionID]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("rpc: unknown session %s", args.SessionID)
	}

	client, err := rpc.Dial("tcp", sess.callbackAddress)
	if err != nil {
		return fmt.Errorf("rpc: dial callback %s: %w", sess.callbackAddress, err)
	}
	defer client.Close()

	sq := u.queue.NewSequencer()
	sq.SetCursor(args.Since)
	for {
		var deliver DeliverProductArgs
		deliver.SessionID = args.SessionID
		var matched bool
		err := sq.Sequence(pq.GT, sess.class, func(info xdr.Info, data []byte) error {
			deliver.Info = info
			deliver.Data = append([]byte(nil), data...)
			matched = true
			return nil
		})
		if ldmerr.Is(err, ldmerr.End) {
			break
		}
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if callErr := client.Call("Downstream.DeliverProduct", &deliver, &struct{}{}); callErr != nil {
			u.logger.Warnf("session %s: deliver during backlog: %v", args.SessionID, callErr)
		}
	}
	return client.Call("Downstream.EndBacklog", &EndBacklogArgs{SessionID: args.SessionID}, &struct{}{})
}

// EndBacklog is a no-op on the upstream side; it exists so the RPC
// surface matches spec.md §6 symmetrically (the downstream invokes its
// own EndBacklog handling when RequestBacklog's stream finishes, not the
// upstream's).
func (u *Upstream) EndBacklog(args *EndBacklogArgs, reply *struct{}) error {
	return nil
}

// Close cancels every session's streaming goroutine.
func (u *Upstream) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, sess := range u.sessions {
		close(sess.cancel)
	}
	u.sessions = make(map[string]*session)
}
