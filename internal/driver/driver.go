package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/transport"
	"github.com/fieldmesh/comsrv/x/ramp"
)

// State is a channel driver's lifecycle state (spec.md §4.4).
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateConnecting
	StateConnected
	StatePolling
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Codec is the protocol-specific read/write encoder the driver issues over
// its transport; ModbusAdapter, IEC104Adapter, IEC101Adapter and CANAdapter
// in this package implement it over the protocol codec packages.
type Codec interface {
	// BuildBatchRead encodes one read covering a contiguous range of points
	// in a group, returning the wire request and a Collector that parses
	// the response into a PointID->raw map.
	BuildBatchRead(points []model.Point) ([]byte, Collector, error)
	// BuildWrite encodes a control/adjustment write for one point.
	BuildWrite(point model.Point, value float64) ([]byte, Collector, error)
}

// PointSample is one decoded reading ready for storage (spec.md §4.4 step 4).
type PointSample struct {
	PointID    uint32
	Name       string
	Raw        float64
	Engineered float64
	Timestamp  time.Time
	Unit       string
}

// Stats accumulates per-cycle polling statistics (spec.md §4.4 step 5).
type Stats struct {
	mu                 sync.Mutex
	TotalCycles        int64
	SuccessfulCycles   int64
	FailedCycles       int64
	LastError          error
	totalCycleDuration time.Duration
}

func (s *Stats) recordCycle(d time.Duration, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalCycles++
	s.totalCycleDuration += d
	if ok {
		s.SuccessfulCycles++
	} else {
		s.FailedCycles++
		s.LastError = err
	}
}

func (s *Stats) AvgCycleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalCycles == 0 {
		return 0
	}
	return s.totalCycleDuration / time.Duration(s.TotalCycles)
}

// ReconnectPolicy implements spec.md §4.4's bounded exponential backoff:
// initial 1s, multiplier = attempt number, max attempts.
type ReconnectPolicy struct {
	Initial     time.Duration
	MaxAttempts int
}

func (r ReconnectPolicy) defaults() ReconnectPolicy {
	if r.Initial <= 0 {
		r.Initial = time.Second
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 10
	}
	return r
}

func (r ReconnectPolicy) Backoff(attempt int) time.Duration {
	r = r.defaults()
	return r.Initial * time.Duration(attempt)
}

// Sink receives decoded samples for storage (internal/storage.Writer).
type Sink interface {
	WriteBatch(ctx context.Context, channelID uint16, kind model.Kind, samples []PointSample) error
}

// CommandSource delivers control/adjustment commands keyed by channel id
// (internal/ingress).
type CommandSource interface {
	Commands(channelID uint16) <-chan Command
}

// Command is one control/adjustment write request (spec.md §4.4).
type Command struct {
	PointID uint32
	Value   float64
	Reply   chan<- error
}

// Driver orchestrates one channel: transport, codec, polling engine, and
// command consumption (spec.md §4.4, C5).
type Driver struct {
	channel      *model.Channel
	codec        Codec
	sink         Sink
	cmds         CommandSource
	recon        ReconnectPolicy
	newTransport func(*model.Channel) (transport.Transport, error)

	mu      sync.RWMutex
	state   State
	tr      transport.Transport
	stats   Stats
	trigger <-chan struct{}

	// lastAdjust remembers the last commanded value per Adjustment point,
	// the starting point for that point's next ramped write (x/ramp).
	lastAdjust map[uint32]float64

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetTrigger replaces the driver's internal interval ticker with an
// externally fired poll signal (internal/driver.Poller, shared across
// channels). Call before Start; a nil trigger (the default) falls back to
// the channel's own polling.interval_ms ticker.
func (d *Driver) SetTrigger(ch <-chan struct{}) {
	d.trigger = ch
}

func New(ch *model.Channel, codec Codec, sink Sink, cmds CommandSource, recon ReconnectPolicy) *Driver {
	return &Driver{
		channel:      ch,
		codec:        codec,
		sink:         sink,
		cmds:         cmds,
		recon:        recon,
		newTransport: transport.New,
		state:        StateUninitialized,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// NewWithTransport is New with an injected transport factory, used by tests
// to bypass the protocol-keyed registry and hand the driver a MockTransport.
func NewWithTransport(ch *model.Channel, codec Codec, sink Sink, cmds CommandSource, recon ReconnectPolicy, newTransport func(*model.Channel) (transport.Transport, error)) *Driver {
	d := New(ch, codec, sink, cmds, recon)
	d.newTransport = newTransport
	return d
}

func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Start runs the driver until Stop is called or ctx is cancelled. Per-point
// validation already happened at config-import time; Initializing here only
// marks the transition before the connect loop takes over.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(StateInitializing)
	go d.run(ctx)
	return nil
}

func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.setState(StateClosed)
}

func (d *Driver) run(ctx context.Context) {
	defer close(d.doneCh)

	for attempt := 1; ; attempt++ {
		if err := d.connect(ctx); err != nil {
			d.setState(StateDisconnected)
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(d.recon.Backoff(attempt)):
			}
			if attempt >= d.recon.defaults().MaxAttempts {
				attempt = 0
			}
			continue
		}
		attempt = 0
		d.poll(ctx)
		d.mu.RLock()
		tr := d.tr
		d.mu.RUnlock()
		if tr != nil {
			_ = tr.Disconnect()
		}

		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (d *Driver) connect(ctx context.Context) error {
	d.setState(StateConnecting)
	tr, err := d.newTransport(d.channel)
	if err != nil {
		return err
	}
	if err := tr.Connect(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.tr = tr
	d.mu.Unlock()
	d.setState(StateConnected)
	return nil
}

// poll runs the tick loop until stopped, disconnected, or context done
// (spec.md §4.4 polling loop).
func (d *Driver) poll(ctx context.Context) {
	d.setState(StatePolling)

	var tickC <-chan time.Time
	if d.trigger == nil {
		cfg := d.channel.Polling
		interval := time.Duration(cfg.IntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	cmdCh := d.cmdChannel()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-cmdCh:
			d.handleCommand(ctx, cmd)
		case <-tickC:
			if !d.fireCycle(ctx) {
				return
			}
		case <-d.trigger:
			if !d.fireCycle(ctx) {
				return
			}
		}
	}
}

func (d *Driver) fireCycle(ctx context.Context) bool {
	if !d.transportConnected() {
		d.stats.recordCycle(0, false, errcode.WrapMsg("driver.poll", errcode.ConnClosed, "not connected"))
		return false
	}
	d.runCycle(ctx)
	return true
}

func (d *Driver) cmdChannel() <-chan Command {
	if d.cmds == nil {
		return nil
	}
	return d.cmds.Commands(d.channel.ID)
}

func (d *Driver) transportConnected() bool {
	d.mu.RLock()
	tr := d.tr
	d.mu.RUnlock()
	return tr != nil && tr.IsConnected()
}

// runCycle executes one full poll tick: batch-group points, read each
// group, decode, engineer, and hand samples to the sink.
func (d *Driver) runCycle(ctx context.Context) {
	start := time.Now()
	cfg := d.channel.Polling
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	var cycleErr error
	for _, kind := range []model.Kind{model.KindTelemetry, model.KindSignal} {
		points := d.channel.PointsByKind(kind)
		if len(points) == 0 {
			continue
		}
		groups := groupForBatch(points, cfg)
		var samples []PointSample
		for _, group := range groups {
			s, err := d.readGroup(ctx, group, timeout)
			if err != nil {
				cycleErr = err
				// Fall back to per-point reads (spec.md §4.4 step 3).
				for _, p := range group {
					ps, perr := d.readGroup(ctx, []model.Point{p}, timeout)
					if perr == nil {
						samples = append(samples, ps...)
					}
				}
				continue
			}
			samples = append(samples, s...)
			if cfg.PointReadDelayMS > 0 {
				time.Sleep(time.Duration(cfg.PointReadDelayMS) * time.Millisecond)
			}
		}
		if len(samples) > 0 && d.sink != nil {
			if err := d.sink.WriteBatch(ctx, d.channel.ID, kind, samples); err != nil {
				cycleErr = err
			}
		}
	}
	d.stats.recordCycle(time.Since(start), cycleErr == nil, cycleErr)
}

func (d *Driver) readGroup(ctx context.Context, points []model.Point, timeout time.Duration) ([]PointSample, error) {
	d.mu.RLock()
	tr := d.tr
	d.mu.RUnlock()
	if tr == nil {
		return nil, errcode.WrapMsg("driver.readGroup", errcode.ConnClosed, "no transport")
	}
	req, collect, err := d.codec.BuildBatchRead(points)
	if err != nil {
		return nil, err
	}
	rcCfg := ReadCycleConfig{TriggerTimeout: timeout, CollectTimeout: timeout, MaxRetries: d.channel.Polling.MaxRetries}
	raw, err := RunReadCycle(ctx, tr, req, rcCfg, collect)
	if err != nil {
		return nil, err
	}
	rawByID, ok := raw.(map[uint32]float64)
	if !ok {
		return nil, errcode.WrapMsg("driver.readGroup", errcode.Truncated, "collector returned unexpected type")
	}
	now := time.Now()
	samples := make([]PointSample, 0, len(points))
	for _, p := range points {
		rv, ok := rawByID[p.PointID]
		if !ok {
			continue
		}
		samples = append(samples, PointSample{
			PointID:    p.PointID,
			Name:       p.SignalName,
			Raw:        rv,
			Engineered: p.Engineer(rv),
			Timestamp:  now,
			Unit:       p.Unit,
		})
	}
	return samples, nil
}

func (d *Driver) handleCommand(ctx context.Context, cmd Command) {
	d.mu.RLock()
	tr := d.tr
	d.mu.RUnlock()
	if tr == nil {
		cmd.reply(errcode.WrapMsg("driver.handleCommand", errcode.ConnClosed, "no transport"))
		return
	}
	var point model.Point
	var found bool
	for _, kind := range []model.Kind{model.KindControl, model.KindAdjust} {
		if p, ok := d.channel.Points[cmd.PointID]; ok && p.Kind == kind {
			point, found = p, true
			break
		}
	}
	if !found {
		cmd.reply(errcode.WrapMsg("driver.handleCommand", errcode.NotMapped, "point not found or not writable"))
		return
	}
	if point.Kind == model.KindAdjust {
		cmd.reply(d.rampWrite(ctx, tr, point, cmd.Value))
		return
	}
	cmd.reply(d.writeOnce(ctx, tr, point, cmd.Value))
}

// writeOnce issues a single BuildWrite/RunReadCycle round trip for value
// and, on success, records it to the sink.
func (d *Driver) writeOnce(ctx context.Context, tr transport.Transport, point model.Point, value float64) error {
	req, collect, err := d.codec.BuildWrite(point, value)
	if err != nil {
		return err
	}
	timeout := time.Duration(d.channel.Polling.TimeoutMS) * time.Millisecond
	if _, err := RunReadCycle(ctx, tr, req, ReadCycleConfig{TriggerTimeout: timeout, CollectTimeout: timeout}, collect); err != nil {
		return err
	}
	if d.sink != nil {
		_ = d.sink.WriteBatch(ctx, d.channel.ID, point.Kind, []PointSample{{
			PointID:    point.PointID,
			Name:       point.SignalName,
			Raw:        value,
			Engineered: point.Engineer(value),
			Timestamp:  time.Now(),
			Unit:       point.Unit,
		}})
	}
	return nil
}

// rampWrite approaches an Adjustment point's target via x/ramp.StartLinear,
// issuing one writeOnce per intermediate step; a point with no ramp
// configured (RampSteps or RampDurationMS zero) snaps straight to target,
// identical to the pre-ramp single-write path. Steps stop early on the
// first write error or on driver shutdown/context cancellation.
func (d *Driver) rampWrite(ctx context.Context, tr transport.Transport, point model.Point, target float64) error {
	d.mu.Lock()
	if d.lastAdjust == nil {
		d.lastAdjust = map[uint32]float64{}
	}
	cur := d.lastAdjust[point.PointID]
	d.mu.Unlock()

	lo, hi := point.DataType.Range()
	tick := func(wait time.Duration) bool {
		select {
		case <-d.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}
	var stepErr error
	set := func(v float64) {
		if stepErr != nil {
			return
		}
		if err := d.writeOnce(ctx, tr, point, v); err != nil {
			stepErr = err
			return
		}
		d.mu.Lock()
		d.lastAdjust[point.PointID] = v
		d.mu.Unlock()
	}
	ramp.StartLinear(cur, target, lo, hi, point.RampDurationMS, point.RampSteps, tick, set)
	return stepErr
}

func (c Command) reply(err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- err:
	default:
	}
}

// groupForBatch groups points by their Group tag and coalesces contiguous
// address ranges per spec.md §4.4 step 2 (gap ≤ max_batch_gap, width ≤
// batch_size). Points without a configured mapping register address sort
// by point_id as a stable fallback.
func groupForBatch(points []model.Point, cfg model.PollingConfig) [][]model.Point {
	byGroup := map[string][]model.Point{}
	var order []string
	for _, p := range points {
		if _, ok := byGroup[p.Group]; !ok {
			order = append(order, p.Group)
		}
		byGroup[p.Group] = append(byGroup[p.Group], p)
	}
	sort.Strings(order)

	var out [][]model.Point
	for _, g := range order {
		pts := byGroup[g]
		sort.Slice(pts, func(i, j int) bool {
			ai, okI := registerAddr(pts[i])
			aj, okJ := registerAddr(pts[j])
			if okI != okJ {
				return okI
			}
			if okI && ai != aj {
				return ai < aj
			}
			return pts[i].PointID < pts[j].PointID
		})
		if !cfg.EnableBatchRead {
			for _, p := range pts {
				out = append(out, []model.Point{p})
			}
			continue
		}
		batchSize := cfg.BatchSize
		if batchSize <= 0 {
			batchSize = len(pts)
		}
		var cur []model.Point
		for _, p := range pts {
			if len(cur) >= batchSize {
				out = append(out, cur)
				cur = nil
			}
			if len(cur) > 0 && !contiguous(cur[len(cur)-1], p, cfg.MaxBatchGap) {
				out = append(out, cur)
				cur = nil
			}
			cur = append(cur, p)
		}
		if len(cur) > 0 {
			out = append(out, cur)
		}
	}
	return out
}

// contiguous reports whether b's register follows a's closely enough to
// coalesce into the same batch: the gap between a's end (its address plus
// its own register width, so a 32-bit point spanning two registers doesn't
// falsely look disjoint from its immediate neighbor) and b's start must be
// within maxGap.
func contiguous(a, b model.Point, maxGap int) bool {
	if a.Mapping.CAN != nil && b.Mapping.CAN != nil {
		return a.Mapping.CAN.CANID == b.Mapping.CAN.CANID
	}
	addrA, okA := registerAddr(a)
	addrB, okB := registerAddr(b)
	if !okA || !okB {
		return false
	}
	aEnd := int64(addrA) + int64(regWidth(a))
	gap := int64(addrB) - aEnd
	return gap >= 0 && gap <= int64(maxGap)
}

func registerAddr(p model.Point) (uint32, bool) {
	if p.Mapping.Modbus != nil {
		return uint32(p.Mapping.Modbus.RegisterAddr), true
	}
	if p.Mapping.IEC != nil {
		return p.Mapping.IEC.InfoAddress, true
	}
	if p.Mapping.CAN != nil {
		// CAN has no register address; points sharing one frame ID have
		// gap 0 and so still coalesce into one batch under contiguous().
		return p.Mapping.CAN.CANID, true
	}
	return 0, false
}
