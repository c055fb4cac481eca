package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"fieldlink/helpers"
	"fieldlink/log2"
	"fieldlink/settings"
	"fieldlink/sink"
	"fieldlink/xcvr"
)

const (
	DefaultDialBackoffMin  = 1 * time.Second
	DefaultDialBackoffMax  = 16 * time.Second
	DefaultRestartCooldown = 3 * time.Second
)

// DialFunc opens a transceiver link. Tests substitute a pipe.
type DialFunc func(ctx context.Context, host string, opt xcvr.Options) (*xcvr.Link, error)

type TransceiverConfig struct {
	Host string
}

type NodeConfig struct {
	Addr        xcvr.NodeAddr
	Transceiver string
	Desired     settings.Settings
	Aggregates  bool
}

// Timing gathers every timeout and backoff knob in one place. Zero
// values mean defaults.
type Timing struct {
	NetworkTimeout time.Duration
	RequestTimeout time.Duration
	Keepalive      time.Duration

	DialBackoffMin  time.Duration
	DialBackoffMax  time.Duration
	ProbeBackoffMin time.Duration
	ProbeBackoffMax time.Duration

	ApplyRetries     int
	PublishTimeout   time.Duration
	RestartCooldown  time.Duration
	MaxRestarts      int // session fault restarts per link, 0=unlimited
	DecodeFaultLimit int
}

func (t *Timing) setDefaults() {
	if t.DialBackoffMin == 0 {
		t.DialBackoffMin = DefaultDialBackoffMin
	}
	if t.DialBackoffMax == 0 {
		t.DialBackoffMax = DefaultDialBackoffMax
	}
	if t.RestartCooldown == 0 {
		t.RestartCooldown = DefaultRestartCooldown
	}
}

type Config struct {
	Log  *log2.Log
	Sink sink.Sink

	Transceivers map[string]TransceiverConfig
	Nodes        map[string]NodeConfig

	Timing       Timing
	OnTransition TransitionFunc

	// Dial defaults to xcvr.Dial.
	Dial DialFunc
}

// Supervisor keeps every configured node streaming: one goroutine per
// transceiver dials and redials its link, one goroutine per node runs
// sessions on it. Session faults restart the session, link loss
// restarts the whole link with all its sessions.
type Supervisor struct {
	cfg    Config
	log    *log2.Log
	alive  *alive.Alive
	cancel context.CancelFunc
}

func NewSupervisor(cfg Config) *Supervisor {
	cfg.Timing.setDefaults()
	if cfg.Dial == nil {
		cfg.Dial = xcvr.Dial
	}
	return &Supervisor{
		cfg:   cfg,
		log:   cfg.Log,
		alive: alive.NewAlive(),
	}
}

func (sv *Supervisor) Start(ctx context.Context) error {
	for name, nc := range sv.cfg.Nodes {
		if _, ok := sv.cfg.Transceivers[nc.Transceiver]; !ok {
			return errors.NotValidf("node %s references unknown transceiver %s", name, nc.Transceiver)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	for id, tc := range sv.cfg.Transceivers {
		if !sv.alive.Add(1) {
			cancel()
			return errors.Errorf("supervisor is stopped")
		}
		go sv.transceiverLoop(runCtx, id, tc)
	}
	return nil
}

// Stop ends every session and link, then waits for all goroutines.
func (sv *Supervisor) Stop() {
	sv.alive.Stop()
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.alive.Wait()
}

func (sv *Supervisor) Alive() *alive.Alive { return sv.alive }

func (sv *Supervisor) transceiverLoop(ctx context.Context, id string, tc TransceiverConfig) {
	defer sv.alive.Done()
	nodes := sv.nodesFor(id)
	if len(nodes) == 0 {
		sv.log.Infof("transceiver %s has no nodes, not dialing", id)
		return
	}

	bo := helpers.Backoff{Min: sv.cfg.Timing.DialBackoffMin, Max: sv.cfg.Timing.DialBackoffMax, K: 2}
	for {
		if !sleepCtx(ctx, bo.DelayBefore()) {
			return
		}
		link, err := sv.cfg.Dial(ctx, tc.Host, xcvr.Options{
			Log:            sv.log,
			NetworkTimeout: sv.cfg.Timing.NetworkTimeout,
			RequestTimeout: sv.cfg.Timing.RequestTimeout,
			Keepalive:      sv.cfg.Timing.Keepalive,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sv.log.Errorf("transceiver %s dial %s: %v", id, tc.Host, err)
			bo.Update(false)
			continue
		}
		sv.log.Infof("transceiver %s connected %s", id, link.RemoteAddr())
		bo.Update(true)

		if err := sv.setup(ctx, link, nodes); err != nil {
			sv.log.Errorf("transceiver %s setup: %v", id, err)
			link.Close()
			bo.Update(false)
			continue
		}

		sv.runNodes(ctx, link, nodes)
		link.Close()
		if ctx.Err() != nil {
			return
		}
		sv.log.Infof("transceiver %s link lost, redialing", id)
	}
}

// setup announces the node roster and syncs the transceiver clock.
// Older transceivers reject set_time; that is tolerated.
func (sv *Supervisor) setup(ctx context.Context, link *xcvr.Link, nodes map[string]NodeConfig) error {
	if err := link.SetTime(ctx, time.Now()); err != nil {
		if !xcvr.IsAPIError(err) {
			return errors.Annotate(err, "set_time")
		}
		sv.log.Infof("transceiver does not accept set_time: %v", err)
	}
	addrs := make([]xcvr.NodeAddr, 0, len(nodes))
	for _, nc := range nodes {
		addrs = append(addrs, nc.Addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return errors.Annotate(link.SetAssignedNodes(ctx, addrs), "set_assigned_nodes")
}

// runNodes runs one session loop per node until the link dies or ctx
// ends. All sessions share the link; each gets its own subscription.
func (sv *Supervisor) runNodes(ctx context.Context, link *xcvr.Link, nodes map[string]NodeConfig) {
	nctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := sync.WaitGroup{}
	for name, nc := range nodes {
		wg.Add(1)
		go func(name string, nc NodeConfig) {
			defer wg.Done()
			sv.nodeLoop(nctx, link, name, nc)
		}(name, nc)
	}
	select {
	case <-link.StopChan():
	case <-nctx.Done():
	}
	cancel()
	wg.Wait()
}

func (sv *Supervisor) nodeLoop(ctx context.Context, link *xcvr.Link, name string, nc NodeConfig) {
	restarts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		ses := NewSession(link, SessionConfig{
			Name:             name,
			Addr:             nc.Addr,
			Desired:          nc.Desired,
			Aggregates:       nc.Aggregates,
			ProbeBackoffMin:  sv.cfg.Timing.ProbeBackoffMin,
			ProbeBackoffMax:  sv.cfg.Timing.ProbeBackoffMax,
			ApplyRetries:     sv.cfg.Timing.ApplyRetries,
			PublishTimeout:   sv.cfg.Timing.PublishTimeout,
			DecodeFaultLimit: sv.cfg.Timing.DecodeFaultLimit,
			OnTransition:     sv.cfg.OnTransition,
		}, sv.cfg.Sink, sv.log)
		err := ses.Run(ctx)
		if err == nil {
			return
		}
		if xcvr.IsLinkClosed(err) {
			sv.log.Debugf("node %s session ended with link: %v", name, err)
			return
		}
		restarts++
		if limit := sv.cfg.Timing.MaxRestarts; limit > 0 && restarts > limit {
			sv.log.Errorf("node %s faulted %d times, giving up until reconnect: %v", name, restarts, err)
			return
		}
		sv.log.Errorf("node %s session fault, restart %d: %v", name, restarts, err)
		if !sleepCtx(ctx, sv.cfg.Timing.RestartCooldown) {
			return
		}
	}
}

func (sv *Supervisor) nodesFor(transceiver string) map[string]NodeConfig {
	out := make(map[string]NodeConfig)
	for name, nc := range sv.cfg.Nodes {
		if nc.Transceiver == transceiver {
			out[name] = nc
		}
	}
	return out
}
