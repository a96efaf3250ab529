package coordinator

import (
	"time"

	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
)

func (c *Coordinator) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStartSession:
		if c.startSession(cmd.name) {
			c.transmit(protocol.StartSession{Name: cmd.name}, nil)
		}
	case cmdEndSession:
		c.endSession()
		c.transmit(protocol.EndSession{}, nil)
	case cmdRequestSample:
		c.requestSample(cmd.sample)
	case cmdRequestReading:
		c.enqueue(protocol.ReadingRequest{Reading: cmd.reading}, nil, c.link.SupportsReply())
	}
}

// requestSample moves the hub to Sampling for req and asks the peripheral.
// The wait ends with the matching result, a newer request, EndSession or
// the result timeout.
func (c *Coordinator) requestSample(req protocol.SampleRequest) {
	if !c.store.Get().Active() {
		c.logger.Printf("Coordinator: no session, not requesting sample (%s, %d)", req.ExerciseLogID, req.SetIndex)
		return
	}
	if req.SetIndex < 0 {
		c.logger.Printf("Coordinator: invalid set index %d", req.SetIndex)
		return
	}
	if !c.link.IsPaired() || !c.link.IsReachable() {
		c.logger.Printf("Coordinator: link unreachable, not requesting sample (%s, %d)", req.ExerciseLogID, req.SetIndex)
		return
	}

	c.gen++
	gen := c.gen
	c.store.Apply(func(s session.State) session.State { return s.BeginSampling(req) })

	c.stopResultTimer()
	c.resultTimer = time.AfterFunc(c.cfg.ResultTimeout, func() {
		c.post(resultTimedOut{gen: gen})
	})

	c.enqueue(req, nil, c.link.SupportsReply())
}

func (c *Coordinator) stopResultTimer() {
	if c.resultTimer != nil {
		c.resultTimer.Stop()
		c.resultTimer = nil
	}
}

func (c *Coordinator) hubReceive(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.SampleResult:
		c.acceptResult(m)
	case protocol.HeartRateOnly, protocol.VelocityOnly:
		c.logger.Printf("Coordinator: reading %+v", m)
		c.readings.Notify(m)
	default:
		c.logger.Printf("Coordinator: hub ignores %s", msg.Kind())
	}
}

// acceptResult takes only the result for the sample being waited on;
// late, duplicate and superseded results are dropped.
func (c *Coordinator) acceptResult(result protocol.SampleResult) {
	state := c.store.Get()
	if !state.IsAnalysing() || !result.Matches(state.Sample) {
		c.logger.Printf("Coordinator: dropping unexpected result for (%s, %d)", result.ExerciseLogID, result.SetIndex)
		return
	}
	c.stopResultTimer()
	c.store.Apply(session.State.FinishSampling)
	c.logger.Printf("Coordinator: sample (%s, %d): %d bpm, %.2f speed",
		result.ExerciseLogID, result.SetIndex, result.BPM, result.Speed)
	c.results.Notify(result)
}

func (c *Coordinator) handleResultTimeout(e resultTimedOut) {
	if e.gen != c.gen || !c.store.Get().IsAnalysing() {
		return
	}
	c.resultTimer = nil
	s := c.store.Get()
	c.logger.Printf("Coordinator: no result for (%s, %d) within %v",
		s.Sample.ExerciseLogID, s.Sample.SetIndex, c.cfg.ResultTimeout)
	c.store.Apply(session.State.FinishSampling)
}
