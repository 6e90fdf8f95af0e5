package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
)

// seenCapacity bounds the ids remembered for de-duplication.
const seenCapacity = 1024

var (
	ErrAlreadyRunning = errors.New("heartbeat monitor already running")
	errStreamClosed   = errors.New("event stream closed")
)

type streamMsg struct {
	gen    uint64
	ev     events.Event
	closed bool
	err    error
}

// Monitor runs the consumer side of the delivery channel: a live stream
// while heartbeats succeed, polling while they do not.
type Monitor struct {
	cfg Config
	tr  Transport
	h   Handler
	log *slog.Logger

	mu     sync.Mutex
	health Health

	// owned by the Run goroutine
	stream     Stream
	gen        uint64
	lastID     string
	lastStatus string
	seen       map[string]struct{}
	order      []string
	attempt    backoff.Attempt
	probeSeq   uint64
	poll       *time.Ticker
	retry      *time.Timer

	msgs    chan streamMsg
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

func New(tr Transport, h Handler, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if h == nil {
		h = nopHandler{}
	}
	return &Monitor{
		cfg:  cfg.withDefaults(),
		tr:   tr,
		h:    h,
		log:  log.With("component", "heartbeat"),
		seen: make(map[string]struct{}),
		msgs: make(chan streamMsg),
		stop: make(chan struct{}),
	}
}

// Health returns the current connection state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Run connects and keeps the consumer attached until ctx is done. A
// monitor runs at most once.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.shutdown()

	probe := time.NewTicker(m.cfg.Interval)
	defer probe.Stop()

	m.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.msgs:
			m.onStream(ctx, msg)
		case <-probe.C:
			m.probe(ctx)
		case <-tickerC(m.poll):
			m.pollOnce(ctx)
		case <-timerC(m.retry):
			m.retry = nil
			m.reconnect(ctx)
		}
	}
}

func (m *Monitor) shutdown() {
	m.detach()
	close(m.stop)
	m.wg.Wait()
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
	m.cancelRetry()
}

// connect subscribes from the last seen event. The stream replays
// unacknowledged critical events and the buffered backlog ahead of live
// ones.
func (m *Monitor) connect(ctx context.Context) {
	m.cancelRetry()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	st, err := m.tr.Subscribe(cctx, m.lastID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.reconnectFailed(err)
		return
	}

	wasPolling := m.Health().Mode == ModePolling
	m.attach(st)
	m.attempt = backoff.Attempt{}
	var recovered bool
	m.update(func(h *Health) {
		recovered = h.Degraded
		h.Mode = ModeLive
		h.ReconnectAttempts = 0
		h.Degraded = false
	})
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
	metrics.SetPolling(false)

	if wasPolling {
		metrics.IncReconnect("success")
		m.log.Info("Event stream reconnected", "since", m.lastID)
		m.h.ModeChanged(ModeLive)
	}
	m.resyncStatus(ctx)
	if recovered {
		m.h.Recovered()
	}
}

func (m *Monitor) resyncStatus(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	status, err := m.tr.Status(sctx)
	if err != nil {
		m.log.Debug("Status resync failed", "error", err)
		return
	}
	m.setStatus(status)
}

// reconnectFailed counts a failed attempt, falls back to polling and
// schedules the next attempt. Past the policy's limit the delay stays at
// the cap and a single degraded notice is raised.
func (m *Monitor) reconnectFailed(cause error) {
	metrics.IncReconnect("failure")
	p := m.cfg.Reconnect
	delay := p.Cap
	if d := p.Decide(m.attempt); !d.GiveUp() {
		delay = d.Delay
	}
	m.attempt = m.attempt.Next(time.Now(), delay)

	var notify bool
	m.update(func(h *Health) {
		h.ReconnectAttempts = m.attempt.Count
		if m.attempt.Count >= p.MaxAttempts && !h.Degraded {
			h.Degraded = true
			notify = true
		}
	})
	m.log.Debug("Event stream unavailable", "attempt", m.attempt.Count, "retry_in", delay, "error", cause)

	m.enterPolling()
	m.retry = time.NewTimer(delay)
	if notify {
		m.log.Warn("Event channel degraded", "attempts", m.attempt.Count, "error", cause)
		m.h.Degraded(&ChannelError{Attempts: m.attempt.Count, Err: cause})
	}
}

// enterPolling drops the stream and starts pulling state. The switch
// itself is not surfaced beyond ModeChanged.
func (m *Monitor) enterPolling() {
	m.detach()
	if m.Health().Mode == ModePolling {
		return
	}
	m.update(func(h *Health) { h.Mode = ModePolling })
	metrics.SetPolling(true)
	m.poll = time.NewTicker(m.cfg.PollInterval)
	m.h.ModeChanged(ModePolling)
}

func (m *Monitor) attach(st Stream) {
	m.detach()
	m.gen++
	m.stream = st
	m.wg.Add(1)
	go m.read(m.gen, st)
}

func (m *Monitor) detach() {
	if m.stream == nil {
		return
	}
	m.gen++
	if err := m.stream.Close(); err != nil {
		m.log.Debug("Closing event stream failed", "error", err)
	}
	m.stream = nil
}

// read forwards one stream to the Run goroutine.
func (m *Monitor) read(gen uint64, st Stream) {
	defer m.wg.Done()
	for ev := range st.Events() {
		select {
		case m.msgs <- streamMsg{gen: gen, ev: ev}:
		case <-m.stop:
			return
		}
	}
	select {
	case m.msgs <- streamMsg{gen: gen, closed: true, err: st.Err()}:
	case <-m.stop:
	}
}

func (m *Monitor) onStream(ctx context.Context, msg streamMsg) {
	if msg.gen != m.gen {
		return
	}
	if !msg.closed {
		m.deliver(ctx, msg.ev, true)
		return
	}
	cause := msg.err
	if cause == nil {
		cause = errStreamClosed
	}
	m.stream = nil
	m.reconnectFailed(cause)
}

// reconnect is one scheduled attempt. While heartbeats are lost the
// stream is only reopened after a heartbeat gets through.
func (m *Monitor) reconnect(ctx context.Context) {
	if m.Health().ConsecutiveMisses >= m.cfg.MissThreshold {
		if err := m.beat(ctx); err != nil {
			if ctx.Err() == nil {
				m.reconnectFailed(err)
			}
			return
		}
	}
	m.connect(ctx)
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.beat(ctx)
	if ctx.Err() != nil {
		return
	}
	mode := m.Health().Mode
	if err != nil {
		if misses := m.Health().ConsecutiveMisses; misses >= m.cfg.MissThreshold && mode == ModeLive {
			m.log.Info("Heartbeat lost, falling back to polling", "misses", misses)
			m.reconnectFailed(err)
		}
		return
	}
	if mode == ModePolling {
		m.connect(ctx)
	}
}

// beat sends one heartbeat and records the miss or the reported status.
func (m *Monitor) beat(ctx context.Context) error {
	m.probeSeq++
	id := fmt.Sprintf("hb-%d", m.probeSeq)
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	status, err := m.tr.Heartbeat(pctx, id)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		var misses int
		m.update(func(h *Health) {
			h.ConsecutiveMisses++
			misses = h.ConsecutiveMisses
		})
		metrics.SetHeartbeatMisses(misses)
		m.log.Debug("Heartbeat missed", "id", id, "misses", misses, "error", err)
		return err
	}

	m.update(func(h *Health) {
		h.ConsecutiveMisses = 0
		h.LastHeartbeatAt = time.Now()
	})
	metrics.SetHeartbeatMisses(0)
	m.setStatus(status)
	return nil
}

func (m *Monitor) pollOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	status, err := m.tr.Status(pctx)
	if err != nil {
		m.log.Debug("Poll failed", "error", err)
		return
	}
	m.setStatus(status)

	buffered, err := m.tr.Events(pctx, m.lastID)
	if err != nil {
		m.log.Debug("Polling events failed", "error", err)
	}
	for _, ev := range buffered {
		m.deliver(ctx, ev, true)
	}
	// critical events that already left the window
	critical, err := m.tr.CriticalEvents(pctx)
	if err != nil {
		m.log.Debug("Polling critical events failed", "error", err)
	}
	for _, ev := range critical {
		m.deliver(ctx, ev, false)
	}
}

// deliver hands ev to the handler once and acknowledges critical events
// after the handler returns. cursor moves the polling position to ev.
func (m *Monitor) deliver(ctx context.Context, ev events.Event, cursor bool) {
	if cursor {
		m.lastID = ev.ID
	}
	if _, dup := m.seen[ev.ID]; !dup {
		m.remember(ev.ID)
		if sc, ok := ev.Payload.(events.StatusChanged); ok {
			m.lastStatus = sc.To
		}
		m.h.Event(ev)
	}
	if ev.Critical() {
		m.ack(ctx, ev.ID)
	}
}

func (m *Monitor) remember(id string) {
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > seenCapacity {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Monitor) ack(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.tr.Ack(actx, []string{id}); err != nil {
		// the event stays pending and is acked again when replayed
		m.log.Debug("Ack failed", "id", id, "error", err)
	}
}

func (m *Monitor) setStatus(status string) {
	if status == "" || status == m.lastStatus {
		return
	}
	m.lastStatus = status
	m.h.Status(status)
}

func (m *Monitor) update(fn func(*Health)) {
	m.mu.Lock()
	fn(&m.health)
	m.mu.Unlock()
}

func (m *Monitor) cancelRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

type nopHandler struct{}

func (nopHandler) Event(events.Event)     {}
func (nopHandler) Status(string)          {}
func (nopHandler) ModeChanged(Mode)       {}
func (nopHandler) Degraded(*ChannelError) {}
func (nopHandler) Recovered()             {}
