package dispatcher

import (
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/ldmgo/ldm/internal/classmatch"
	"github.com/ldmgo/ldm/internal/ldmconfig"
	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
)

// suspendBetween is how long Run waits between empty sequence passes,
// the in-process analogue of spec.md §4.7's "periodic suspend".
const suspendBetween = 500 * time.Millisecond

// Dispatcher loops sequence(GT, class, callback) against a reloadable
// action table (spec.md §4.7).
type Dispatcher struct {
	logger *logp.Logger
	queue  *pq.Queue
	class  *classmatch.Class
	seq    *pq.Sequencer

	mu    sync.RWMutex
	table []Rule

	done chan struct{}
}

// New builds a Dispatcher bound to queue, matching products in class
// against the initial rule table.
func New(logger *logp.Logger, queue *pq.Queue, class *classmatch.Class, rules []ldmconfig.DispatcherRule) (*Dispatcher, error) {
	if logger == nil {
		logger = logp.NewLogger("dispatcher")
	}
	table, err := CompileTable(rules)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		logger: logger,
		queue:  queue,
		class:  class,
		seq:    queue.NewSequencer(),
		table:  table,
		done:   make(chan struct{}),
	}, nil
}

// Reload recompiles the rule table from rules (spec.md §4.7: "reloadable
// via SIGHUP ... re-reads the action table"). An invalid table is
// rejected and the previous table stays in effect.
func (d *Dispatcher) Reload(rules []ldmconfig.DispatcherRule) error {
	table, err := CompileTable(rules)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.table = table
	d.mu.Unlock()
	d.logger.Infof("reloaded action table with %d rules", len(table))
	return nil
}

// Stop requests the run loop exit after its current product finishes
// (spec.md §4.7: "exits on SIGTERM after finishing the current product").
func (d *Dispatcher) Stop() {
	close(d.done)
}

// Run drives the dispatch loop until Stop is called.
func (d *Dispatcher) Run() {
	for {
		select {
		case <-d.done:
			return
		default:
		}

		var matched bool
		var info xdr.Info
		var data []byte
		err := d.seq.Sequence(pq.GT, d.class, func(i xdr.Info, body []byte) error {
			info = i
			data = append([]byte(nil), body...)
			matched = true
			return nil
		})
		if err != nil {
			if !ldmerr.Is(err, ldmerr.End) {
				d.logger.Warnf("sequence: %v", err)
			}
			select {
			case <-d.done:
				return
			case <-time.After(suspendBetween):
			}
			continue
		}
		if matched {
			d.dispatch(info, data)
		}
	}
}

func (d *Dispatcher) dispatch(info xdr.Info, data []byte) {
	d.mu.RLock()
	table := d.table
	d.mu.RUnlock()

	for _, rule := range table {
		if !rule.Pattern.MatchString(info.Identity) {
			continue
		}
		target := rule.Action
		name := expandTargetFor(target, info)
		if err := target.Run(name, data); err != nil {
			d.logger.Warnf("action for %q failed: %v", info.Identity, err)
		}
	}
}

// expandTargetFor resolves the concrete action-specific target string by
// reaching into the action's stored template via a type switch, since
// Action does not itself expose its raw target.
func expandTargetFor(a Action, info xdr.Info) string {
	switch v := a.(type) {
	case FileAction:
		return expandTarget(v.Target, info)
	case PipeAction:
		return expandTarget(v.Target, info)
	case ExecAction:
		return expandTarget(v.Target, info)
	default:
		return ""
	}
}
