// Command ldmd is the LDM-Go daemon: it opens the product queue and
// starts whichever of C4-C7 (upstream RPC server, downstream
// coordinators, multicast sender manager, action dispatcher) are enabled
// in its configuration, under the C8 signal/supervision skeleton.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	conf "github.com/elastic/elastic-agent-libs/config"
	logpcfg "github.com/elastic/elastic-agent-libs/logp/configure"
	"github.com/elastic/elastic-agent-libs/paths"
	"github.com/elastic/elastic-agent-libs/service"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ldmgo/ldm/dispatcher"
	"github.com/ldmgo/ldm/downstream"
	"github.com/ldmgo/ldm/internal/classmatch"
	"github.com/ldmgo/ldm/internal/ldmconfig"
	"github.com/ldmgo/ldm/msm"
	"github.com/ldmgo/ldm/pq"
	ldmrpc "github.com/ldmgo/ldm/rpc"
	"github.com/ldmgo/ldm/supervise"
)

var configPath = flag.String("c", "", "path to the ldmd configuration file")

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	overrides := ldmconfig.RegisterFlags(pflag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	settings, err := ldmconfig.Load(*configPath, overrides)
	if err != nil {
		return err
	}

	service.BeforeRun()
	defer service.Cleanup()

	var dataPath paths.Path
	if err := paths.InitPaths(&dataPath); err != nil {
		return err
	}
	if err := logpcfg.Logging("ldmd", conf.NewConfig()); err != nil {
		return err
	}

	d := &daemon{settings: settings}
	return d.run()
}

// daemon owns the lifetime of every component this process runs.
type daemon struct {
	settings ldmconfig.Settings

	queue      *pq.Queue
	upstream   *ldmrpc.Upstream
	upstreamLn net.Listener
	msmMgr     *msm.Manager
	dispatcher *dispatcher.Dispatcher
	coords     []*downstream.Coordinator
}

func (d *daemon) run() error {
	queue, err := openQueue(d.settings.Queue)
	if err != nil {
		return fmt.Errorf("ldmd: open queue: %w", err)
	}
	d.queue = queue
	defer queue.Close()

	skeleton := supervise.New(nil, supervise.Handlers{
		Reload: d.reload,
		Reap: func(pid int, _ unix.WaitStatus) {
			if d.msmMgr != nil {
				d.msmMgr.Terminated(int32(pid))
			}
		},
	})
	defer skeleton.Close()

	if d.settings.Upstream.Enabled {
		upstream := ldmrpc.NewUpstream(nil, queue, nil)
		ln, err := ldmrpc.Serve(nil, d.settings.Upstream.Listen, upstream)
		if err != nil {
			return fmt.Errorf("ldmd: start upstream: %w", err)
		}
		d.upstream = upstream
		d.upstreamLn = ln
		defer upstream.Close()
		defer ln.Close()
	}

	for _, sub := range d.settings.Downstream {
		coord := downstream.New(nil, queue, downstream.Config{
			Host:            sub.Host,
			Feed:            sub.Feed,
			UpstreamAddress: sub.UpstreamAddress,
			SessionMemPath:  string(sub.SessionDir),
			Backoff:         sub.Backoff,
		})
		ln, err := coord.Serve(sub.ListenAddress)
		if err != nil {
			return fmt.Errorf("ldmd: start downstream %s/%s: %w", sub.Host, sub.Feed, err)
		}
		defer ln.Close()

		class := ldmrpc.ClassArg{Specs: []ldmrpc.FeedtypeSpecArg{{Feedtype: sub.FeedtypeMask, Pattern: sub.Pattern}}}
		if err := coord.Subscribe(class, ln.Addr().String()); err != nil {
			return fmt.Errorf("ldmd: subscribe downstream %s/%s: %w", sub.Host, sub.Feed, err)
		}
		go coord.RunBackstopRequester(skeleton.Done())
		d.coords = append(d.coords, coord)
	}

	if d.settings.MSM.Enabled {
		mgr, err := msm.Open(nil, "/tmp/ldmd-msm.table", 64)
		if err != nil {
			return fmt.Errorf("ldmd: open msm table: %w", err)
		}
		d.msmMgr = mgr
		defer mgr.Close()
	}

	if d.settings.Dispatcher.Enabled {
		class, err := classmatch.Compile(nil, time.Time{}, time.Time{}, []classmatch.FeedtypeSpec{
			{Feedtype: classmatch.AnyFeedtype, Pattern: ".*"},
		})
		if err != nil {
			return fmt.Errorf("ldmd: compile dispatcher class: %w", err)
		}
		dsp, err := dispatcher.New(nil, queue, class, d.settings.Dispatcher.Rules)
		if err != nil {
			return fmt.Errorf("ldmd: compile dispatcher rules: %w", err)
		}
		d.dispatcher = dsp
		go dsp.Run()
		defer dsp.Stop()
	}

	<-skeleton.Done()
	return nil
}

func (d *daemon) reload() {
	if d.dispatcher == nil {
		return
	}
	if err := d.dispatcher.Reload(d.settings.Dispatcher.Rules); err != nil {
		log.Printf("ldmd: reload rejected: %v", err)
	}
}

func openQueue(cfg ldmconfig.QueueConfig) (*pq.Queue, error) {
	path := string(cfg.Path)
	var openFlags pq.OpenFlags
	if cfg.Threadsafe {
		openFlags |= pq.FlagThreadsafe
	}
	if q, err := pq.Open(nil, path, openFlags); err == nil {
		return q, nil
	}

	createFlags := openFlags
	if cfg.Clobber {
		createFlags |= pq.FlagClobber
	}
	return pq.Create(nil, path, cfg.ByteCapacity, cfg.SlotCapacity, 0o644, createFlags)
}
