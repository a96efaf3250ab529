package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/wristlink/internal/bt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func sample(x, y, z float64, at time.Time) AccelerationSample {
	return AccelerationSample{X: x, Y: y, Z: z, Timestamp: at}
}

func TestSpeedEstimator_DominantAxis(t *testing.T) {
	var e SpeedEstimator
	t0 := time.Unix(1000, 0)

	assert.False(t, e.Add(sample(0, 0, 1, t0)), "first sample only primes")
	_, ok := e.Speed()
	assert.False(t, ok)

	assert.True(t, e.Add(sample(0.5, 0.1, 1, t0.Add(100*time.Millisecond))))
	speed, ok := e.Speed()
	require.True(t, ok)
	assert.InDelta(t, 5.0, speed, 1e-9)
	assert.Equal(t, AxisX, e.DominantAxis())

	assert.True(t, e.Add(sample(0.5, 0.1, 0.0, t0.Add(200*time.Millisecond))))
	speed, _ = e.Speed()
	assert.InDelta(t, 10.0, speed, 1e-9)
	assert.Equal(t, AxisZ, e.DominantAxis())
}

func TestSpeedEstimator_SkipsSamplesThatDoNotAdvanceTime(t *testing.T) {
	var e SpeedEstimator
	t0 := time.Unix(1000, 0)
	e.Add(sample(0, 0, 0, t0))
	e.Add(sample(1, 0, 0, t0.Add(time.Second)))

	assert.False(t, e.Add(sample(5, 0, 0, t0.Add(time.Second))), "equal timestamp")
	assert.False(t, e.Add(sample(5, 0, 0, t0)), "timestamp going backwards")

	speed, ok := e.Speed()
	require.True(t, ok)
	assert.InDelta(t, 1.0, speed, 1e-9, "the last valid speed is kept")

	e.Reset()
	_, ok = e.Speed()
	assert.False(t, ok)
}

type fakeHeartRateSource struct {
	mu         sync.Mutex
	authorized bool
	bpm        int
	err        error
	block      chan struct{}
	since      time.Time
	authCalls  int
	authGate   chan struct{}
}

func (f *fakeHeartRateSource) Authorize(ctx context.Context) bool {
	f.mu.Lock()
	f.authCalls++
	gate := f.authGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized
}

func (f *fakeHeartRateSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *fakeHeartRateSource) QueryMostRecent(ctx context.Context, since time.Time) (int, error) {
	f.mu.Lock()
	f.since = since
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bpm, f.err
}

func TestHeartRateProvider_ReadsSinceStartOfDay(t *testing.T) {
	src := &fakeHeartRateSource{authorized: true, bpm: 92}
	p := NewHeartRateProvider(src, time.Second, testLogger())
	p.now = func() time.Time { return time.Date(2024, 3, 9, 17, 45, 12, 0, time.UTC) }

	bpm, ok := p.ReadHeartRate(context.Background())
	require.True(t, ok)
	assert.Equal(t, 92, bpm)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), src.since)
}

func TestHeartRateProvider_AuthorizationIsCached(t *testing.T) {
	src := &fakeHeartRateSource{authorized: true, bpm: 80}
	p := NewHeartRateProvider(src, time.Second, testLogger())

	p.ReadHeartRate(context.Background())
	p.ReadHeartRate(context.Background())
	assert.Equal(t, 1, src.authCalls)
}

func TestHeartRateProvider_ConcurrentCallersShareOneAuthorization(t *testing.T) {
	src := &fakeHeartRateSource{authorized: true, bpm: 80, authGate: make(chan struct{})}
	p := NewHeartRateProvider(src, time.Second, testLogger())

	results := make(chan bool, 2)
	go func() { results <- p.Authorize(context.Background()) }()
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)
	go func() { results <- p.Authorize(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(src.authGate)
	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Equal(t, 1, src.calls())
}

func TestHeartRateProvider_AuthorizesAgainAfterSourceLosesDevice(t *testing.T) {
	src := &fakeHeartRateSource{authorized: true, err: fmt.Errorf("%w: %w", ErrNotConnected, ErrUnavailable)}
	p := NewHeartRateProvider(src, time.Second, testLogger())

	_, ok := p.ReadHeartRate(context.Background())
	assert.False(t, ok)
	_, ok = p.ReadHeartRate(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 2, src.calls())
}

func TestHeartRateProvider_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeHeartRateSource
	}{
		{name: "denied", src: &fakeHeartRateSource{authorized: false, bpm: 80}},
		{name: "empty", src: &fakeHeartRateSource{authorized: true, err: ErrUnavailable}},
		{name: "negative", src: &fakeHeartRateSource{authorized: true, bpm: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHeartRateProvider(tt.src, time.Second, testLogger())
			bpm, ok := p.ReadHeartRate(context.Background())
			assert.False(t, ok)
			assert.Zero(t, bpm)
		})
	}
}

func TestHeartRateProvider_TimesOut(t *testing.T) {
	src := &fakeHeartRateSource{authorized: true, bpm: 70, block: make(chan struct{})}
	defer close(src.block)
	p := NewHeartRateProvider(src, 30*time.Millisecond, testLogger())

	start := time.Now()
	bpm, ok := p.ReadHeartRate(context.Background())
	assert.False(t, ok)
	assert.Zero(t, bpm)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeMotionSource struct {
	mu      sync.Mutex
	handler func(AccelerationSample)
	starts  int
	stops   int
}

func (f *fakeMotionSource) Start(handler func(AccelerationSample)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	f.starts++
	return nil
}

func (f *fakeMotionSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeMotionSource) emit(s AccelerationSample) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(s)
}

func TestMotionProvider_AccumulatesBetweenStartAndStop(t *testing.T) {
	src := &fakeMotionSource{}
	p := NewMotionProvider(src, testLogger())
	ctx := context.Background()

	_, ok := p.ReadSpeed(ctx)
	assert.False(t, ok)

	require.NoError(t, p.StartAccumulating())
	require.NoError(t, p.StartAccumulating())
	assert.Equal(t, 1, src.starts)
	assert.True(t, p.IsAccumulating())

	t0 := time.Unix(0, 0)
	src.emit(sample(0, 0, 0, t0))
	src.emit(sample(0, 2, 0, t0.Add(500*time.Millisecond)))
	speed, ok := p.ReadSpeed(ctx)
	require.True(t, ok)
	assert.InDelta(t, 4.0, speed, 1e-9)

	p.StopAccumulating()
	assert.False(t, p.IsAccumulating())
	assert.Equal(t, 1, src.stops)

	src.emit(sample(0, 100, 0, t0.Add(time.Second)))
	speed, ok = p.ReadSpeed(ctx)
	require.True(t, ok)
	assert.InDelta(t, 4.0, speed, 1e-9, "samples after stop are ignored")

	require.NoError(t, p.StartAccumulating())
	_, ok = p.ReadSpeed(ctx)
	assert.False(t, ok, "restarting resets the estimate")
}

func TestSimulatedMotionSource_ProducesSamples(t *testing.T) {
	src := NewSimulatedMotionSource(5*time.Millisecond, testLogger())
	p := NewMotionProvider(src, testLogger())
	require.NoError(t, p.StartAccumulating())
	defer p.StopAccumulating()

	assert.Eventually(t, func() bool {
		_, ok := p.ReadSpeed(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestParseHeartRateMeasurement(t *testing.T) {
	bpm, err := parseHeartRateMeasurement([]byte{0x00, 72})
	require.NoError(t, err)
	assert.Equal(t, 72, bpm)

	bpm, err = parseHeartRateMeasurement([]byte{0x01, 0x2C, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 300, bpm)

	_, err = parseHeartRateMeasurement([]byte{0x01, 0x2C})
	assert.Error(t, err)
	_, err = parseHeartRateMeasurement([]byte{0x00})
	assert.Error(t, err)

	bpm, err = parseHeartRateMeasurement(encodeHeartRateMeasurement(260))
	require.NoError(t, err)
	assert.Equal(t, 260, bpm)
}

func newStrapRig(t *testing.T) (*bt.MockManager, *bt.MockDevice, *SimulatedHeartRateSource) {
	t.Helper()
	strap := bt.NewMockDevice("00:11:22:33:44:01", "Mock HR Strap", []string{HeartRateServiceUUID}, testLogger())
	other := bt.NewMockDevice("00:11:22:33:44:09", "Mock Scale", []string{"0000181d-0000-1000-8000-00805f9b34fb"}, testLogger())
	other.SetRSSI(-20)
	mgr := bt.NewMockManager(testLogger(), strap, other)
	sim := NewSimulatedHeartRateSource(118)
	sim.SetJitter(0)
	return mgr, strap, sim
}

func TestBLEHeartRateSource_ConnectsAndReadsNotifications(t *testing.T) {
	mgr, strap, sim := newStrapRig(t)
	prefsPath := t.TempDir() + "/devices.toml"
	prefs := bt.LoadPreferences(prefsPath, testLogger())

	src := NewBLEHeartRateSource(mgr, prefs, 50*time.Millisecond, testLogger())
	ctx := context.Background()

	_, err := src.QueryMostRecent(ctx, time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)

	require.True(t, src.Authorize(ctx))
	assert.True(t, strap.IsConnected())
	assert.Equal(t, strap.Address(), prefs.PreferredDevice(bt.RoleHeartRateStrap))

	driver := NewSimulatedStrap(strap, sim, time.Hour, testLogger())
	require.True(t, driver.Tick())

	bpm, err := src.QueryMostRecent(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 118, bpm)

	_, err = src.QueryMostRecent(ctx, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrUnavailable, "readings before since are not reported")

	src.Close()
	assert.False(t, strap.IsConnected())
	assert.False(t, driver.Tick())
}

func TestBLEHeartRateSource_PrefersRememberedStrap(t *testing.T) {
	mgr, strap, _ := newStrapRig(t)
	prefs := bt.LoadPreferences(t.TempDir()+"/devices.toml", testLogger())
	require.NoError(t, prefs.SetPreferredDevice(bt.RoleHeartRateStrap, strap.Address()))

	src := NewBLEHeartRateSource(mgr, prefs, time.Hour, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.True(t, src.Authorize(ctx), "the remembered strap is used without waiting for the scan window")
	assert.True(t, strap.IsConnected())
}

func TestBLEHeartRateSource_NoStrapFound(t *testing.T) {
	other := bt.NewMockDevice("00:11:22:33:44:09", "Mock Scale", []string{"0000181d-0000-1000-8000-00805f9b34fb"}, testLogger())
	mgr := bt.NewMockManager(testLogger(), other)

	src := NewBLEHeartRateSource(mgr, nil, 20*time.Millisecond, testLogger())
	assert.False(t, src.Authorize(context.Background()))
	assert.False(t, mgr.IsScanning())
}

func TestBLEHeartRateSource_WithProvider(t *testing.T) {
	mgr, strap, sim := newStrapRig(t)
	src := NewBLEHeartRateSource(mgr, nil, 20*time.Millisecond, testLogger())
	p := NewHeartRateProvider(src, time.Second, testLogger())

	require.True(t, p.Authorize(context.Background()))
	NewSimulatedStrap(strap, sim, time.Hour, testLogger()).Tick()

	bpm, ok := p.ReadHeartRate(context.Background())
	require.True(t, ok)
	assert.Equal(t, 118, bpm)
}

func TestBLEHeartRateSource_ReconnectsAfterStrapDropsOff(t *testing.T) {
	mgr, strap, sim := newStrapRig(t)
	src := NewBLEHeartRateSource(mgr, nil, 20*time.Millisecond, testLogger())
	p := NewHeartRateProvider(src, time.Second, testLogger())
	driver := NewSimulatedStrap(strap, sim, time.Hour, testLogger())
	ctx := context.Background()

	require.True(t, p.Authorize(ctx))
	require.True(t, driver.Tick())
	bpm, ok := p.ReadHeartRate(ctx)
	require.True(t, ok)
	assert.Equal(t, 118, bpm)

	require.NoError(t, mgr.Disconnect(strap))
	sim.SetBPM(150)

	_, err := src.QueryMostRecent(ctx, time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	bpm, ok = p.ReadHeartRate(ctx)
	assert.False(t, ok, "a disconnected strap must not report its last reading")
	assert.Zero(t, bpm)

	// The next read finds the strap again; nothing has been measured since.
	_, ok = p.ReadHeartRate(ctx)
	assert.False(t, ok)
	assert.True(t, strap.IsConnected())

	require.True(t, driver.Tick())
	bpm, ok = p.ReadHeartRate(ctx)
	require.True(t, ok)
	assert.Equal(t, 150, bpm)
}

func TestSimulatorServer(t *testing.T) {
	hr := NewSimulatedHeartRateSource(70)
	motion := NewSimulatedMotionSource(0, testLogger())
	srv := NewSimulatorServer("127.0.0.1:0", hr, motion, testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	var st SimulatorState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 70, st.BPM)
	assert.True(t, st.Available)
	assert.True(t, st.HasMotion)

	resp, err = http.Post(ts.URL+"/api/set?bpm=131&available=false&amplitude=1.5", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 131, st.BPM)
	assert.False(t, st.Available)
	assert.Equal(t, 1.5, st.AmplitudeG)

	resp, err = http.Post(ts.URL+"/api/set?bpm=fast&available=true", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, available := hr.State()
	assert.False(t, available, "a rejected request applies nothing")

	resp, err = http.Get(ts.URL + "/api/set")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
