package session

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/status"
)

// Target is a module whose channels take part in the questionable walk.
type Target interface {
	Number() int
	Channels() []int
}

// ReadinessUpdate reports the settled state of one channel.
type ReadinessUpdate struct {
	Module  int  `json:"module"`
	Channel int  `json:"channel"`
	Ready   bool `json:"ready"`
}

// Event is the outcome of handling one service request.
type Event struct {
	Status      status.Snapshot   `json:"status"`
	DeviceError *DeviceError      `json:"device_error,omitempty"`
	Readiness   []ReadinessUpdate `json:"readiness,omitempty"`
}

// ReadQuestionableTree walks the questionable status tree from the top-level
// register down to the per-channel condition registers and returns one update
// for every channel whose voltage event bit was set. Reading the event
// registers clears them. The walk holds the session lock throughout.
func (s *Session) ReadQuestionableTree(ctx context.Context, targets []Target) ([]ReadinessUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walkQuestionableLocked(ctx, targets)
}

func (s *Session) walkQuestionableLocked(ctx context.Context, targets []Target) ([]ReadinessUpdate, error) {
	ques, err := s.queryIntLocked(ctx, "STAT:QUES?")
	if err != nil {
		return nil, err
	}
	if !status.DecodeQuestionable(ques).InstrumentSum {
		return nil, nil
	}

	instruments, err := s.queryIntLocked(ctx, "STAT:QUES:INST?")
	if err != nil {
		return nil, err
	}

	var updates []ReadinessUpdate
	for _, target := range targets {
		n := target.Number()
		if !status.BitSet(instruments, n) {
			continue
		}

		summary, err := s.queryIntLocked(ctx, fmt.Sprintf("STAT:QUES:INST%d:ISUM?", n))
		if err != nil {
			return nil, err
		}

		for _, ch := range status.PendingBits(summary, target.Channels()) {
			event, err := s.queryIntLocked(ctx, fmt.Sprintf("STAT:QUES:INST%d:ISUM? (@%d)", n, ch))
			if err != nil {
				return nil, err
			}
			cond, err := s.queryIntLocked(ctx, fmt.Sprintf("STAT:QUES:INST%d:ISUM:COND? (@%d)", n, ch))
			if err != nil {
				return nil, err
			}
			if !status.DecodeQuestionable(event).Voltage {
				continue
			}
			updates = append(updates, ReadinessUpdate{Module: n, Channel: ch, Ready: status.Ready(cond)})
		}
	}

	return updates, nil
}

// HandleServiceRequest decodes the status byte and services every pending
// condition under one lock acquisition: one error record is drained when the
// error bit is set, and the questionable tree is walked when its bit is set.
// Device errors are reported in the event and through the sticky error flag.
// A positive timeout bounds the decode itself; it starts once the lock is
// held, so a long foreground exchange does not eat into it.
func (s *Session) HandleServiceRequest(ctx context.Context, targets []Target, timeout time.Duration) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stb, err := s.readStatusLocked(ctx)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Status: status.DecodeStatusByte(stb)}

	if ev.Status.ErrorPending {
		devErr, err := s.readErrorLocked(ctx)
		if err != nil {
			return ev, err
		}
		ev.DeviceError = devErr
	}

	if ev.Status.Questionable {
		updates, err := s.walkQuestionableLocked(ctx, targets)
		if err != nil {
			return ev, err
		}
		ev.Readiness = updates
	}

	return ev, nil
}
