package coordinator

import (
	"context"

	"github.com/lowaak/wristlink/internal/go_func_utils"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
)

func (c *Coordinator) peripheralReceive(msg protocol.Message, reply func(protocol.Payload)) {
	switch m := msg.(type) {
	case protocol.StartSession:
		c.startSession(m.Name)
	case protocol.EndSession:
		c.endSession()
	case protocol.SampleRequest:
		c.beginSample(m, reply)
	case protocol.ReadingRequest:
		c.readOnce(m.Reading, reply)
	default:
		c.logger.Printf("Coordinator: peripheral ignores %s", msg.Kind())
	}
}

func (c *Coordinator) startSession(name string) bool {
	if name == "" {
		c.logger.Printf("Coordinator: ignoring StartSession without a name")
		return false
	}
	prev := c.store.Get()
	c.store.Apply(func(s session.State) session.State { return s.Start(name) })
	if !prev.Active() && c.cfg.Role == protocol.RolePeripheral {
		c.startAccumulating()
	}
	return true
}

// endSession discards any sample in flight and returns to Idle.
func (c *Coordinator) endSession() {
	c.gen++
	c.stopResultTimer()
	if c.motion != nil {
		c.motion.StopAccumulating()
	}
	c.store.Apply(session.State.End)
}

// beginSample supersedes whatever sample is in flight and reads the
// providers on a helper goroutine.
func (c *Coordinator) beginSample(req protocol.SampleRequest, reply func(protocol.Payload)) {
	if !c.store.Get().Active() {
		c.logger.Printf("Coordinator: no session, dropping SampleRequest(%s, %d)", req.ExerciseLogID, req.SetIndex)
		return
	}
	c.gen++
	gen := c.gen
	c.store.Apply(func(s session.State) session.State { return s.BeginSampling(req) })
	if c.motion != nil {
		c.motion.StopAccumulating()
	}

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		bpm, speed := c.readProviders()
		c.post(sampleDone{
			gen: gen,
			result: protocol.SampleResult{
				ExerciseLogID: req.ExerciseLogID,
				SetIndex:      req.SetIndex,
				BPM:           bpm,
				Speed:         speed,
			},
			reply: reply,
		})
	})
}

// readProviders reads heart rate and speed concurrently, each bounded by
// the provider timeout. An unavailable reading is zero.
func (c *Coordinator) readProviders() (bpm int, speed float64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProviderTimeout)
	defer cancel()

	done := make(chan struct{})
	go_func_utils.SafeGo(c.logger, func() {
		defer close(done)
		bpm = c.readHeartRate(ctx)
	})
	speed = c.readSpeed(ctx)
	<-done
	return bpm, speed
}

func (c *Coordinator) readHeartRate(ctx context.Context) int {
	if c.heartRate == nil {
		return 0
	}
	bpm, ok := c.heartRate.ReadHeartRate(ctx)
	if !ok {
		c.logger.Printf("Coordinator: heart rate unavailable")
		return 0
	}
	return bpm
}

func (c *Coordinator) readSpeed(ctx context.Context) float64 {
	if c.motion == nil {
		return 0
	}
	speed, ok := c.motion.ReadSpeed(ctx)
	if !ok {
		c.logger.Printf("Coordinator: speed unavailable")
		return 0
	}
	return speed
}

func (c *Coordinator) handleSampleDone(done sampleDone) {
	state := c.store.Get()
	if done.gen != c.gen || !state.IsAnalysing() {
		c.logger.Printf("Coordinator: dropping superseded result for (%s, %d)",
			done.result.ExerciseLogID, done.result.SetIndex)
		return
	}
	c.transmit(done.result, done.reply)
	c.results.Notify(done.result)
	c.store.Apply(session.State.FinishSampling)
	c.startAccumulating()
}

func (c *Coordinator) startAccumulating() {
	if c.motion == nil {
		return
	}
	if err := c.motion.StartAccumulating(); err != nil {
		c.logger.Printf("Coordinator: %v", err)
	}
}

// readOnce answers a ReadingRequest with a single HeartRateOnly or
// VelocityOnly reading, independent of the session.
func (c *Coordinator) readOnce(reading protocol.Reading, reply func(protocol.Payload)) {
	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProviderTimeout)
		defer cancel()

		var msg protocol.Message
		if reading == protocol.ReadingHeartRate {
			msg = protocol.HeartRateOnly{BPM: c.readHeartRate(ctx)}
		} else {
			msg = protocol.VelocityOnly{Speed: c.readSpeed(ctx)}
		}
		c.post(readingDone{msg: msg, reply: reply})
	})
}
