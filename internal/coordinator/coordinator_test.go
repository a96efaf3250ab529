package coordinator

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/wristlink/internal/link"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(role protocol.Role) Config {
	cfg := DefaultConfig(role)
	cfg.ProviderTimeout = 200 * time.Millisecond
	cfg.ResultTimeout = time.Second
	return cfg
}

// gatedHeartRate blocks every read until release is closed.
type gatedHeartRate struct {
	bpm     int
	release chan struct{}
}

func (g *gatedHeartRate) ReadHeartRate(ctx context.Context) (int, bool) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return 0, false
		}
	}
	return g.bpm, true
}

type fakeMotion struct {
	mu     sync.Mutex
	speed  float64
	valid  bool
	starts int
	stops  int
	active bool
}

func (f *fakeMotion) ReadSpeed(context.Context) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed, f.valid
}

func (f *fakeMotion) StartAccumulating() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.active = true
	return nil
}

func (f *fakeMotion) StopAccumulating() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
}

func (f *fakeMotion) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// peer records what arrives at the far end of a pipe.
type peer struct {
	mu       sync.Mutex
	payloads []protocol.Payload
}

func (p *peer) add(env link.Envelope) {
	p.mu.Lock()
	p.payloads = append(p.payloads, env.Payload)
	p.mu.Unlock()
}

func (p *peer) decoded(t *testing.T, role protocol.Role) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, payload := range p.payloads {
		msgs, err := protocol.Decode(payload, role)
		require.NoError(t, err)
		out = append(out, msgs...)
	}
	return out
}

func (p *peer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func send(t *testing.T, end *link.PipeEnd, msg protocol.Message) {
	t.Helper()
	require.NoError(t, end.Send(context.Background(), protocol.MustEncode(msg)))
}

func phases(states []session.State) []session.Phase {
	var out []session.Phase
	for _, s := range states {
		out = append(out, s.Phase)
	}
	return out
}

func collectStates(c *Coordinator) (func() []session.State, func()) {
	ch := make(chan session.State, 64)
	unregister := c.Session().Listen(ch)
	var mu sync.Mutex
	var states []session.State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range ch {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	}()
	get := func() []session.State {
		mu.Lock()
		defer mu.Unlock()
		return append([]session.State(nil), states...)
	}
	stop := func() {
		unregister()
		close(ch)
		<-done
	}
	return get, stop
}

func newPeripheral(t *testing.T, hr HeartRateReader, motion MotionReader, opts ...link.PipeOption) (*Coordinator, *link.PipeEnd, *peer) {
	t.Helper()
	hubEnd, watchEnd := link.NewPipe(testLogger(), opts...)
	var p peer
	hubEnd.OnReceive(p.add)
	c := New(testConfig(protocol.RolePeripheral), watchEnd, hr, motion, testLogger())
	t.Cleanup(func() {
		c.Shutdown()
		hubEnd.Close()
		watchEnd.Close()
	})
	return c, hubEnd, &p
}

func TestPeripheral_Scenario(t *testing.T) {
	motion := &fakeMotion{speed: 1.25, valid: true}
	c, hub, received := newPeripheral(t, &gatedHeartRate{bpm: 104}, motion)
	states, stop := collectStates(c)

	send(t, hub, protocol.StartSession{Name: "Back Day"})
	require.Eventually(t, func() bool { return c.Session().Get().Active() }, time.Second, time.Millisecond)
	assert.Equal(t, "Back Day", c.Session().Get().Name)
	assert.False(t, c.Session().Get().IsAnalysing())
	require.Eventually(t, motion.isActive, time.Second, time.Millisecond)

	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 0})
	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)

	send(t, hub, protocol.EndSession{})
	require.Eventually(t, func() bool { return !c.Session().Get().Active() }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.NoSession, c.Session().Get().Name)
	assert.False(t, motion.isActive())

	stop()
	assert.Equal(t, []session.Phase{
		session.PhaseIdle,
		session.PhaseActive,
		session.PhaseSampling,
		session.PhaseActive,
		session.PhaseIdle,
	}, phases(states()))

	assert.Equal(t, []protocol.Message{
		protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 0, BPM: 104, Speed: 1.25},
	}, received.decoded(t, protocol.RoleHub))
}

func TestPeripheral_NewerRequestSupersedes(t *testing.T) {
	hr := &gatedHeartRate{bpm: 130, release: make(chan struct{})}
	c, hub, received := newPeripheral(t, hr, &fakeMotion{})

	send(t, hub, protocol.StartSession{Name: "Legs"})
	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 1})
	require.Eventually(t, func() bool { return c.Session().Get().Sample.SetIndex == 1 }, time.Second, time.Millisecond)

	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 2})
	require.Eventually(t, func() bool { return c.Session().Get().Sample.SetIndex == 2 }, time.Second, time.Millisecond)
	close(hr.release)

	require.Eventually(t, func() bool { return received.count() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []protocol.Message{
		protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 2, BPM: 130},
	}, received.decoded(t, protocol.RoleHub))
	assert.Equal(t, session.PhaseActive, c.Session().Get().Phase)
}

func TestPeripheral_StartSessionWhileSamplingRenamesAndKeepsSample(t *testing.T) {
	hr := &gatedHeartRate{bpm: 111, release: make(chan struct{})}
	c, hub, received := newPeripheral(t, hr, &fakeMotion{})

	send(t, hub, protocol.StartSession{Name: "A"})
	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log4", SetIndex: 0})
	require.Eventually(t, func() bool { return c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)

	send(t, hub, protocol.StartSession{Name: "B"})
	require.Eventually(t, func() bool { return c.Session().Get().Name == "B" }, time.Second, time.Millisecond)
	assert.True(t, c.Session().Get().IsAnalysing())
	close(hr.release)

	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []protocol.Message{
		protocol.SampleResult{ExerciseLogID: "log4", SetIndex: 0, BPM: 111},
	}, received.decoded(t, protocol.RoleHub))
	assert.Equal(t, "B", c.Session().Get().Name)
	assert.Equal(t, session.PhaseActive, c.Session().Get().Phase)
}

func TestPeripheral_EndSessionDiscardsSampleInFlight(t *testing.T) {
	hr := &gatedHeartRate{bpm: 90, release: make(chan struct{})}
	c, hub, received := newPeripheral(t, hr, &fakeMotion{})

	send(t, hub, protocol.StartSession{Name: "Push"})
	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log7", SetIndex: 3})
	require.Eventually(t, func() bool { return c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)

	send(t, hub, protocol.EndSession{})
	require.Eventually(t, func() bool { return c.Session().Get() == session.Idle() }, time.Second, time.Millisecond)
	close(hr.release)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, received.count())
	assert.Equal(t, session.Idle(), c.Session().Get())
}

func TestPeripheral_EndSessionFromAnyState(t *testing.T) {
	c, hub, _ := newPeripheral(t, &gatedHeartRate{bpm: 70}, nil)

	send(t, hub, protocol.EndSession{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.Idle(), c.Session().Get())

	send(t, hub, protocol.StartSession{Name: "Arms"})
	send(t, hub, protocol.EndSession{})
	require.Eventually(t, func() bool {
		return c.Session().Get() == session.Idle()
	}, time.Second, time.Millisecond)
}

func TestPeripheral_MalformedPayloadLeavesStateUnchanged(t *testing.T) {
	c, hub, received := newPeripheral(t, nil, nil)

	send(t, hub, protocol.StartSession{Name: "Core"})
	require.Eventually(t, func() bool { return c.Session().Get().Active() }, time.Second, time.Millisecond)
	before := c.Session().Get()

	require.NoError(t, hub.Send(context.Background(), protocol.Payload{"foo": "bar"}))
	require.NoError(t, hub.Send(context.Background(), protocol.Payload{"setIndex": "x", "exerciseLogId": "a"}))
	send(t, hub, protocol.StartSession{Name: ""})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, before, c.Session().Get())
	assert.Zero(t, received.count())
}

func TestPeripheral_SampleRequestWithoutSessionIsDropped(t *testing.T) {
	c, hub, received := newPeripheral(t, &gatedHeartRate{bpm: 70}, nil)

	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 0})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, session.Idle(), c.Session().Get())
	assert.Zero(t, received.count())
}

func TestPeripheral_ProviderTimeoutFallsBackToZero(t *testing.T) {
	hr := &gatedHeartRate{bpm: 150, release: make(chan struct{})}
	defer close(hr.release)
	_, hub, received := newPeripheral(t, hr, &fakeMotion{})

	send(t, hub, protocol.StartSession{Name: "Cardio"})
	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log2", SetIndex: 0})

	require.Eventually(t, func() bool { return received.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.Message{
		protocol.SampleResult{ExerciseLogID: "log2", SetIndex: 0},
	}, received.decoded(t, protocol.RoleHub))
}

func TestPeripheral_UnreachableLinkDropsResult(t *testing.T) {
	hr := &gatedHeartRate{bpm: 99, release: make(chan struct{})}
	c, hub, received := newPeripheral(t, hr, nil)

	send(t, hub, protocol.StartSession{Name: "Back"})
	send(t, hub, protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 0})
	require.Eventually(t, func() bool { return c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)
	hub.SetReachable(false)
	defer hub.SetReachable(true)
	close(hr.release)

	require.Eventually(t, func() bool {
		s := c.Session().Get()
		return s.Active() && !s.IsAnalysing()
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, received.count())
}

func TestPeripheral_RepliesToReadingRequest(t *testing.T) {
	_, hub, _ := newPeripheral(t, &gatedHeartRate{bpm: 77}, &fakeMotion{speed: 0.4, valid: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := hub.SendWithReply(ctx, protocol.MustEncode(protocol.ReadingRequest{Reading: protocol.ReadingHeartRate}))
	require.NoError(t, err)
	msgs, err := protocol.Decode(reply, protocol.RoleHub)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Message{protocol.HeartRateOnly{BPM: 77}}, msgs)

	reply, err = hub.SendWithReply(ctx, protocol.MustEncode(protocol.ReadingRequest{Reading: protocol.ReadingVelocity}))
	require.NoError(t, err)
	msgs, err = protocol.Decode(reply, protocol.RoleHub)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Message{protocol.VelocityOnly{Speed: 0.4}}, msgs)
}

func TestPeripheral_RejectsHubCommands(t *testing.T) {
	c, _, _ := newPeripheral(t, nil, nil)
	assert.ErrorIs(t, c.StartSession("x"), ErrWrongRole)
	assert.ErrorIs(t, c.RequestSample("x", 0), ErrWrongRole)
}

func newHub(t *testing.T, cfg Config, opts ...link.PipeOption) (*Coordinator, *link.PipeEnd, *peer) {
	t.Helper()
	hubEnd, watchEnd := link.NewPipe(testLogger(), opts...)
	var p peer
	watchEnd.OnReceive(p.add)
	c := New(cfg, hubEnd, nil, nil, testLogger())
	t.Cleanup(func() {
		c.Shutdown()
		hubEnd.Close()
		watchEnd.Close()
	})
	return c, watchEnd, &p
}

func TestHub_AcceptsOnlyTheExpectedResult(t *testing.T) {
	c, watch, sent := newHub(t, testConfig(protocol.RoleHub), link.WithReplies(false))
	results := make(chan protocol.SampleResult, 4)
	c.ListenToResults(results)

	require.NoError(t, c.StartSession("Back Day"))
	require.NoError(t, c.RequestSample("log1", 1))
	require.NoError(t, c.RequestSample("log1", 2))
	require.Eventually(t, func() bool { return sent.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Message{
		protocol.StartSession{Name: "Back Day"},
		protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 1},
		protocol.SampleRequest{ExerciseLogID: "log1", SetIndex: 2},
	}, sent.decoded(t, protocol.RolePeripheral))

	send(t, watch, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 1, BPM: 100})
	send(t, watch, protocol.SampleResult{ExerciseLogID: "other", SetIndex: 2, BPM: 100})
	send(t, watch, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 2, BPM: 111, Speed: 0.9})
	send(t, watch, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 2, BPM: 112})

	select {
	case r := <-results:
		assert.Equal(t, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 2, BPM: 111, Speed: 0.9}, r)
	case <-time.After(time.Second):
		t.Fatal("no result accepted")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, results, "stale and duplicate results are dropped")
	assert.Equal(t, session.PhaseActive, c.Session().Get().Phase)
}

func TestHub_ResultTimeout(t *testing.T) {
	cfg := testConfig(protocol.RoleHub)
	cfg.ResultTimeout = 40 * time.Millisecond
	c, _, _ := newHub(t, cfg, link.WithReplies(false))

	require.NoError(t, c.StartSession("Legs"))
	require.NoError(t, c.RequestSample("log1", 0))
	require.Eventually(t, func() bool { return c.Session().Get().IsAnalysing() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		s := c.Session().Get()
		return s.Active() && !s.IsAnalysing()
	}, time.Second, 5*time.Millisecond)
}

func TestHub_UnreachableLinkDropsSends(t *testing.T) {
	c, watch, sent := newHub(t, testConfig(protocol.RoleHub))
	watch.SetReachable(false)

	require.NoError(t, c.StartSession("Chest"))
	require.NoError(t, c.RequestSample("log1", 0))
	require.NoError(t, c.RequestHeartRate())
	require.Eventually(t, func() bool { return c.Session().Get().Active() }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, sent.count())
	assert.False(t, c.Session().Get().IsAnalysing(), "no sample is awaited when the request could not be sent")
}

func TestHub_EndSessionClearsWait(t *testing.T) {
	c, watch, _ := newHub(t, testConfig(protocol.RoleHub), link.WithReplies(false))
	results := make(chan protocol.SampleResult, 1)
	c.ListenToResults(results)

	require.NoError(t, c.StartSession("Legs"))
	require.NoError(t, c.RequestSample("log1", 0))
	require.NoError(t, c.EndSession())
	require.Eventually(t, func() bool { return c.Session().Get() == session.Idle() }, time.Second, time.Millisecond)

	send(t, watch, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 0, BPM: 90})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, results)
}

func TestHubAndPeripheral_EndToEnd(t *testing.T) {
	for _, replies := range []bool{true, false} {
		name := "one-way"
		if replies {
			name = "replies"
		}
		t.Run(name, func(t *testing.T) {
			hubEnd, watchEnd := link.NewPipe(testLogger(), link.WithReplies(replies))
			motion := &fakeMotion{speed: 2.5, valid: true}
			watch := New(testConfig(protocol.RolePeripheral), watchEnd, &gatedHeartRate{bpm: 121}, motion, testLogger())
			hub := New(testConfig(protocol.RoleHub), hubEnd, nil, nil, testLogger())
			defer func() {
				hub.Shutdown()
				watch.Shutdown()
				hubEnd.Close()
				watchEnd.Close()
			}()

			results := make(chan protocol.SampleResult, 1)
			hub.ListenToResults(results)
			readings := make(chan protocol.Message, 2)
			hub.ListenToReadings(readings)

			require.NoError(t, hub.StartSession("Back Day"))
			require.Eventually(t, func() bool { return watch.Session().Get().Name == "Back Day" }, time.Second, time.Millisecond)

			require.NoError(t, hub.RequestSample("log1", 0))
			select {
			case r := <-results:
				assert.Equal(t, protocol.SampleResult{ExerciseLogID: "log1", SetIndex: 0, BPM: 121, Speed: 2.5}, r)
			case <-time.After(2 * time.Second):
				t.Fatal("hub got no result")
			}
			assert.Equal(t, session.PhaseActive, hub.Session().Get().Phase)
			require.Eventually(t, func() bool { return watch.Session().Get().Phase == session.PhaseActive }, time.Second, time.Millisecond)

			require.NoError(t, hub.RequestHeartRate())
			select {
			case m := <-readings:
				assert.Equal(t, protocol.HeartRateOnly{BPM: 121}, m)
			case <-time.After(2 * time.Second):
				t.Fatal("hub got no reading")
			}

			require.NoError(t, hub.EndSession())
			require.Eventually(t, func() bool { return watch.Session().Get() == session.Idle() }, time.Second, time.Millisecond)
			assert.Equal(t, session.Idle(), hub.Session().Get())
		})
	}
}

func TestCoordinator_ShutdownRejectsCommands(t *testing.T) {
	c, _, _ := newHub(t, testConfig(protocol.RoleHub))
	c.Shutdown()
	assert.ErrorIs(t, c.StartSession("late"), ErrShutdown)
}
