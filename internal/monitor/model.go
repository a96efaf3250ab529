package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/go_func_utils"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
)

const maxLogLines = 1000

// Source is what the monitor observes; *coordinator.Coordinator implements it.
type Source interface {
	Role() protocol.Role
	Session() session.View
	ListenToResults(ch chan<- protocol.SampleResult) func()
	ListenToReadings(ch chan<- protocol.Message) func()
}

// Snapshot is everything the status panel shows.
type Snapshot struct {
	Role  protocol.Role
	State session.State
	// Started is when the current session began; zero while idle.
	Started time.Time

	BPM      int
	HasBPM   bool
	Speed    float64
	HasSpeed bool

	LastResult    protocol.SampleResult
	HasLastResult bool
}

// Model folds coordinator events into a Snapshot and keeps the log tail.
type Model struct {
	logger *log.Logger
	now    func() time.Time

	mu   sync.RWMutex
	snap Snapshot

	logMu    sync.RWMutex
	logLines []string

	changed *events.ChannelEvent[Snapshot]
	logLine *events.ChannelEvent[string]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewModel starts observing source. logLines may be nil.
func NewModel(source Source, logLines <-chan string, logger *log.Logger) *Model {
	if source == nil {
		panic("MonitorModel: source cannot be nil")
	}
	if logger == nil {
		panic("MonitorModel: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		logger:  logger,
		now:     time.Now,
		snap:    Snapshot{Role: source.Role(), State: session.Idle()},
		changed: events.NewChannelEvent[Snapshot](true),
		logLine: events.NewChannelEvent[string](false),
		cancel:  cancel,
	}

	states := make(chan session.State, 64)
	results := make(chan protocol.SampleResult, 16)
	readings := make(chan protocol.Message, 16)
	unregister := []func(){
		source.Session().Listen(states),
		source.ListenToResults(results),
		source.ListenToReadings(readings),
	}

	m.wg.Add(1)
	go_func_utils.SafeGo(logger, func() {
		defer m.wg.Done()
		defer func() {
			for _, u := range unregister {
				u()
			}
		}()
		m.observe(ctx, source.Session(), states, results, readings)
	})

	if logLines != nil {
		m.wg.Add(1)
		go_func_utils.SafeGo(logger, func() {
			defer m.wg.Done()
			m.readFromLogChannel(ctx, logLines)
		})
	}
	return m
}

// observe folds events into the snapshot. State notifications are only a
// wake-up: they can be dropped when states is full, so the current state is
// always read back from view.
func (m *Model) observe(ctx context.Context, view session.View, states <-chan session.State, results <-chan protocol.SampleResult, readings <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-states:
			s := view.Get()
			m.update(func(snap *Snapshot) { m.applyState(snap, s) })
		case r := <-results:
			m.update(func(snap *Snapshot) {
				snap.LastResult, snap.HasLastResult = r, true
				snap.BPM, snap.HasBPM = r.BPM, true
				snap.Speed, snap.HasSpeed = r.Speed, true
			})
		case msg := <-readings:
			m.update(func(snap *Snapshot) {
				switch r := msg.(type) {
				case protocol.HeartRateOnly:
					snap.BPM, snap.HasBPM = r.BPM, true
				case protocol.VelocityOnly:
					snap.Speed, snap.HasSpeed = r.Speed, true
				}
			})
		}
	}
}

func (m *Model) applyState(snap *Snapshot, s session.State) {
	switch {
	case !s.Active():
		snap.Started = time.Time{}
	case !snap.State.Active():
		snap.Started = m.now()
	}
	snap.State = s
}

func (m *Model) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	snap := m.snap
	m.mu.Unlock()
	m.changed.Notify(snap)
}

func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Model) ListenToChanges(ch chan<- Snapshot) func() {
	return m.changed.Listen(ch)
}

func (m *Model) ListenToLogLines(ch chan<- string) func() {
	return m.logLine.Listen(ch)
}

func (m *Model) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}
			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()
			m.logLine.Notify(line)
		}
	}
}

// LogTail returns up to the last n log lines, oldest first.
func (m *Model) LogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()
	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	out := make([]string, n)
	copy(out, m.logLines[len(m.logLines)-n:])
	return out
}

func (m *Model) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
