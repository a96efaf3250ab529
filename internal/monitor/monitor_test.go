package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeSource struct {
	store    *session.Store
	results  *events.ChannelEvent[protocol.SampleResult]
	readings *events.ChannelEvent[protocol.Message]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		store:    session.NewStore(testLogger()),
		results:  events.NewChannelEvent[protocol.SampleResult](false),
		readings: events.NewChannelEvent[protocol.Message](false),
	}
}

func (f *fakeSource) Role() protocol.Role   { return protocol.RoleHub }
func (f *fakeSource) Session() session.View { return f.store }
func (f *fakeSource) ListenToResults(ch chan<- protocol.SampleResult) func() {
	return f.results.Listen(ch)
}
func (f *fakeSource) ListenToReadings(ch chan<- protocol.Message) func() {
	return f.readings.Listen(ch)
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatElapsed(0))
	assert.Equal(t, "00:01:05", FormatElapsed(65*time.Second+900*time.Millisecond))
	assert.Equal(t, "02:03:04", FormatElapsed(2*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "00:00:00", FormatElapsed(-time.Second))
}

func TestHeadline(t *testing.T) {
	s := Snapshot{State: session.Idle()}
	assert.Equal(t, protocol.NoSession, Headline(s))

	s.State = s.State.Start("Back Day")
	assert.Equal(t, "Back Day", Headline(s))

	s.State = s.State.BeginSampling(protocol.SampleRequest{ExerciseLogID: "log1"})
	assert.Equal(t, "Analysing", Headline(s))
}

func TestStatusText(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := Snapshot{Role: protocol.RoleHub, State: session.Idle()}
	text := StatusText(s, now)
	assert.Contains(t, text, "--:--:--")
	assert.Contains(t, text, "Heart Rate: [gray]--")

	s.State = s.State.Start("Legs")
	s.Started = now.Add(-90 * time.Second)
	s.BPM, s.HasBPM = 131, true
	s.Speed, s.HasSpeed = 1.5, true
	s.LastResult, s.HasLastResult = protocol.SampleResult{ExerciseLogID: "log9", SetIndex: 2}, true

	text = StatusText(s, now)
	assert.Contains(t, text, "Legs")
	assert.Contains(t, text, "00:01:30")
	assert.Contains(t, text, "131")
	assert.Contains(t, text, "1.50")
	assert.Contains(t, text, "log9 set 2")
}

func TestModel_FollowsSource(t *testing.T) {
	src := newFakeSource()
	logLines := make(chan string, 4)
	m := NewModel(src, logLines, testLogger())
	defer m.Shutdown()

	src.store.Apply(func(s session.State) session.State { return s.Start("Push") })
	require.Eventually(t, func() bool { return m.Snapshot().State.Active() }, time.Second, time.Millisecond)
	assert.False(t, m.Snapshot().Started.IsZero())

	src.readings.Notify(protocol.HeartRateOnly{BPM: 88})
	require.Eventually(t, func() bool { return m.Snapshot().HasBPM }, time.Second, time.Millisecond)
	assert.Equal(t, 88, m.Snapshot().BPM)
	assert.False(t, m.Snapshot().HasSpeed)

	src.results.Notify(protocol.SampleResult{ExerciseLogID: "log1", BPM: 101, Speed: 0.7})
	require.Eventually(t, func() bool { return m.Snapshot().HasLastResult }, time.Second, time.Millisecond)
	assert.Equal(t, 101, m.Snapshot().BPM)
	assert.Equal(t, 0.7, m.Snapshot().Speed)

	src.store.Apply(session.State.End)
	require.Eventually(t, func() bool { return !m.Snapshot().State.Active() }, time.Second, time.Millisecond)
	assert.True(t, m.Snapshot().Started.IsZero())

	logLines <- "one"
	logLines <- "two"
	require.Eventually(t, func() bool { return len(m.LogTail(10)) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"two"}, m.LogTail(1))
	assert.Empty(t, m.LogTail(0))
}

func TestModel_BurstOfStateChangesSettlesOnLatest(t *testing.T) {
	src := newFakeSource()
	m := NewModel(src, nil, testLogger())
	defer m.Shutdown()

	for i := 0; i < 500; i++ {
		name := fmt.Sprintf("Set %d", i)
		src.store.Apply(func(s session.State) session.State { return s.Start(name) })
	}
	src.store.Apply(session.State.End)
	src.store.Apply(func(s session.State) session.State { return s.Start("Cooldown") })

	require.Eventually(t, func() bool { return m.Snapshot().State.Name == "Cooldown" }, 2*time.Second, time.Millisecond)
	assert.True(t, m.Snapshot().State.Active())
	assert.False(t, m.Snapshot().Started.IsZero())
}

func TestView_CommandLine(t *testing.T) {
	src := newFakeSource()
	m := NewModel(src, nil, testLogger())
	defer m.Shutdown()

	var lines []string
	v := NewView(tview.NewApplication(), m, func(line string) error {
		lines = append(lines, line)
		return nil
	}, testLogger())

	v.submit("start Legs")
	v.submit("   ")
	assert.Equal(t, []string{"start Legs"}, lines)

	v.render()
	assert.Contains(t, v.status.GetText(true), protocol.NoSession)
}

func TestView_RunStopsWithContext(t *testing.T) {
	screen := tcell.NewSimulationScreen("")
	app := tview.NewApplication().SetScreen(screen)

	m := NewModel(newFakeSource(), nil, testLogger())
	defer m.Shutdown()
	v := NewView(app, m, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- v.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
