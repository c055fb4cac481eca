package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"fieldlink/helpers"
	"fieldlink/log2"
	"fieldlink/report"
	"fieldlink/settings"
	"fieldlink/sink"
	"fieldlink/xcvr"
)

const (
	DefaultProbeBackoffMin  = 1 * time.Second
	DefaultProbeBackoffMax  = 16 * time.Second
	DefaultApplyRetries     = 3
	DefaultPublishTimeout   = 500 * time.Millisecond
	DefaultDecodeFaultLimit = 3
)

// TransitionFunc observes session state changes. Called synchronously
// from the session goroutine, must not block.
type TransitionFunc func(name string, from, to State, err error)

type SessionConfig struct {
	Name string
	Addr xcvr.NodeAddr

	// Desired settings are reconciled against the node before
	// streaming. Empty means leave the node as-is.
	Desired    settings.Settings
	Aggregates bool

	ProbeBackoffMin  time.Duration
	ProbeBackoffMax  time.Duration
	ApplyRetries     int
	PublishTimeout   time.Duration
	DecodeFaultLimit int

	OnTransition TransitionFunc
}

func (c *SessionConfig) setDefaults() {
	if c.Name == "" {
		c.Name = c.Addr.String()
	}
	if c.ProbeBackoffMin == 0 {
		c.ProbeBackoffMin = DefaultProbeBackoffMin
	}
	if c.ProbeBackoffMax == 0 {
		c.ProbeBackoffMax = DefaultProbeBackoffMax
	}
	if c.ApplyRetries == 0 {
		c.ApplyRetries = DefaultApplyRetries
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.DecodeFaultLimit == 0 {
		c.DecodeFaultLimit = DefaultDecodeFaultLimit
	}
}

// Session drives one node from first contact to live report streaming:
// wait for the node to answer, publish its version, reconcile settings,
// enable reports, then pump the subscription into the sink. Run owns
// the whole lifecycle; a Session is not reusable after Run returns.
type Session struct {
	cfg    SessionConfig
	link   *xcvr.Link
	client *Client
	sink   sink.Sink
	log    *log2.Log

	state       int32 // State, atomic
	asm         report.Assembler
	decodeFails int
}

func NewSession(link *xcvr.Link, cfg SessionConfig, snk sink.Sink, log *log2.Log) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:    cfg,
		link:   link,
		client: NewClient(link, cfg.Addr, log),
		sink:   snk,
		log:    log,
	}
}

func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// Run blocks until ctx cancel, link death or fault. Returns nil after
// a clean stop, the fault cause otherwise.
func (s *Session) Run(ctx context.Context) (rerr error) {
	defer func() {
		switch {
		case rerr == nil || ctx.Err() != nil:
			s.to(StateClosed, nil)
			rerr = nil
		case xcvr.IsLinkClosed(rerr):
			// transport went away under the session, not a node fault
			s.to(StateClosed, rerr)
		default:
			s.to(StateFaulted, rerr)
		}
	}()

	sub, err := s.link.SubscribeReports(s.cfg.Addr)
	if err != nil {
		return errors.Trace(err)
	}
	defer sub.Close()

	ver, err := s.waitAvailable(ctx)
	if err != nil {
		return err
	}
	s.to(StateVersionQuery, nil)
	s.log.Infof("node %s version=%s build=%s", s.cfg.Name, ver.Version, ver.Build)
	s.publish(ctx, ver)

	if err := s.reconcile(ctx); err != nil {
		return err
	}
	if err := s.enableReports(ctx); err != nil {
		return err
	}
	return s.stream(ctx, sub)
}

// waitAvailable probes the node until it responds. Battery nodes sleep
// most of the time; not answering is normal, only link loss or stop
// ends the wait.
func (s *Session) waitAvailable(ctx context.Context) (*report.VersionInfo, error) {
	s.to(StateWaitingAvailable, nil)
	bo := helpers.Backoff{Min: s.cfg.ProbeBackoffMin, Max: s.cfg.ProbeBackoffMax, K: 2}
	for {
		if !sleepCtx(ctx, bo.DelayBefore()) {
			return nil, errors.Trace(ctx.Err())
		}
		ver, err := s.client.GetVersion(ctx)
		if err == nil {
			return ver, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		if xcvr.IsLinkClosed(err) {
			return nil, errors.Trace(err)
		}
		s.log.Debugf("node %s probe: %v", s.cfg.Name, err)
		bo.Update(false)
	}
}

// reconcile pushes desired settings to the node. Keys the node does
// not acknowledge are logged and skipped, a node running older
// firmware is still worth streaming from.
func (s *Session) reconcile(ctx context.Context) error {
	if len(s.cfg.Desired) == 0 {
		return nil
	}
	s.to(StateWriteSettings, nil)
	active, err := s.client.GetSettings(ctx)
	if err != nil {
		return errors.Annotate(err, "read settings")
	}
	toWrite, _ := settings.Diff(s.cfg.Desired, active)
	if len(toWrite) == 0 {
		s.log.Debugf("node %s settings already match", s.cfg.Name)
		return nil
	}
	acked, err := s.client.WriteSettings(ctx, toWrite)
	if err != nil {
		return errors.Annotate(err, "write settings")
	}
	if un := settings.Unhandled(toWrite, acked); len(un) != 0 {
		s.log.Infof("node %s ignored settings %s", s.cfg.Name, un.String())
	}

	s.to(StateApplySettings, nil)
	for attempt := 1; ; attempt++ {
		willReboot, err := s.client.ApplySettings(ctx, true)
		if err == nil {
			if willReboot {
				s.log.Infof("node %s reboots to apply settings", s.cfg.Name)
			}
			return nil
		}
		if !errors.IsTimeout(err) || attempt >= s.cfg.ApplyRetries {
			return errors.Annotatef(err, "apply settings attempt=%d", attempt)
		}
		s.log.Debugf("node %s apply settings attempt=%d: %v", s.cfg.Name, attempt, err)
	}
}

func (s *Session) enableReports(ctx context.Context) error {
	s.to(StateStreaming, nil)
	if err := s.client.EnableHealth(ctx, true); err != nil {
		return errors.Annotate(err, "enable health")
	}
	if err := s.client.EnableSnippets(ctx, 0, true); err != nil {
		return errors.Annotate(err, "enable snippets")
	}
	if s.cfg.Aggregates {
		if err := s.client.EnableAggregates(ctx, 0, true); err != nil {
			return errors.Annotate(err, "enable aggregates")
		}
	}
	return nil
}

func (s *Session) stream(ctx context.Context, sub *xcvr.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())

		case frame, ok := <-sub.Frames():
			if !ok {
				if cause := s.link.Err(); cause != nil {
					return errors.Annotatef(xcvr.ErrLinkClosed, "%v", cause)
				}
				return errors.Trace(xcvr.ErrLinkClosed)
			}
			if err := s.feed(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// feed pushes one subscription frame through reassembly and decode.
// Non-nil return is a fault: the consecutive decode failure limit was
// reached.
func (s *Session) feed(ctx context.Context, frame []byte) error {
	record, gap, err := s.asm.Feed(frame)
	if gap {
		s.log.Infof("node %s report stream gap, dropped partial record", s.cfg.Name)
	}
	if err != nil {
		return s.strike(err)
	}
	if record == nil {
		return nil
	}
	rep, err := report.DecodeRecord(record)
	if err != nil {
		return s.strike(err)
	}
	s.decodeFails = 0
	s.publish(ctx, rep)
	return nil
}

func (s *Session) strike(err error) error {
	s.decodeFails++
	s.log.Errorf("node %s decode failure %d/%d: %v",
		s.cfg.Name, s.decodeFails, s.cfg.DecodeFaultLimit, err)
	if s.decodeFails >= s.cfg.DecodeFaultLimit {
		return errors.Annotatef(err, "%d consecutive decode failures", s.decodeFails)
	}
	return nil
}

// publish hands a report to the sink. Sink errors are logged and the
// report dropped; the stream never blocks on a slow consumer longer
// than PublishTimeout.
func (s *Session) publish(ctx context.Context, rep report.Report) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.sink.Publish(pctx, s.cfg.Name, rep); err != nil {
		s.log.Errorf("node %s publish %s: %v", s.cfg.Name, rep.Kind().String(), err)
	}
}

func (s *Session) to(next State, err error) {
	prev := State(atomic.LoadInt32(&s.state))
	if prev == next {
		return
	}
	atomic.StoreInt32(&s.state, int32(next))
	if err != nil {
		s.log.Errorf("node %s state %s -> %s e=%v", s.cfg.Name, prev.String(), next.String(), err)
	} else {
		s.log.Infof("node %s state %s -> %s", s.cfg.Name, prev.String(), next.String())
	}
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(s.cfg.Name, prev, next, err)
	}
}

// sleepCtx sleeps d unless ctx ends first. Returns false on ctx end.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
