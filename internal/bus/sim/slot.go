package sim

import (
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/status"
)

// channel is the state of one output.
type channel struct {
	on       bool
	program  float64
	actual   float64
	low      float64
	high     float64
	hwLow    float64
	hwHigh   float64
	event    int
	cond     int
	calState bool
	gen      uint64
	timer    *time.Timer
}

// slot is one plugged module.
type slot struct {
	number   int
	name     string
	family   modules.Family
	on       bool
	channels map[int]*channel

	curves  map[string][]float64
	counts  map[string]int
	qcom    bool
	serial  string
	remark  string
	calTemp float64
	calDate string

	zeroCheck bool
	autoZero  bool
	current   float64
	autoRange bool
	averaging int
}

func newSlot(number int, name string, family modules.Family) *slot {
	s := &slot{
		number:   number,
		name:     name,
		family:   family,
		channels: make(map[int]*channel, len(family.Channels)),
		curves:   make(map[string][]float64),
		counts:   make(map[string]int),
		serial:   name + "-SIM",
		calDate:  "2024-01-01 00:00:00",
		calTemp:  23,
	}
	s.reset()
	return s
}

func (s *slot) reset() {
	s.stopTimers()
	s.on = false
	limit := s.family.VoltageLimit()
	for _, ch := range s.family.Channels {
		s.channels[ch] = &channel{low: -limit, high: limit, hwLow: -limit, hwHigh: limit, calState: true}
	}
	s.zeroCheck = false
	s.autoZero = true
	s.current = 2e-6
	s.autoRange = true
	s.averaging = 1
}

func (s *slot) stopTimers() {
	for _, c := range s.channels {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
}

func (s *slot) clearEvents() {
	for _, c := range s.channels {
		c.event = 0
	}
}

// active reports whether the output of ch drives its programmed voltage.
func (s *slot) active(ch int) bool {
	c := s.channels[ch]
	if c == nil || !s.on {
		return false
	}
	return c.on || !s.family.Explicit
}

func (s *slot) target(ch int) float64 {
	if !s.active(ch) {
		return 0
	}
	c := s.channels[ch]
	v := c.program
	if v < c.low {
		v = c.low
	}
	if v > c.high {
		v = c.high
	}
	return v
}

// beginSettle marks ch unsettled and returns the settle generation. A
// transition latches the voltage event bit.
func (s *slot) beginSettle(ch int) uint64 {
	c := s.channels[ch]
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	if c.cond&status.QuestionableVoltage == 0 {
		c.cond |= status.QuestionableVoltage
		c.event |= status.QuestionableVoltage
	}
	return c.gen
}

// finishSettle applies the target if gen is still current.
func (s *slot) finishSettle(ch int, gen uint64) bool {
	c := s.channels[ch]
	if c == nil || c.gen != gen {
		return false
	}
	c.timer = nil
	c.actual = s.target(ch)
	c.cond &^= status.QuestionableVoltage
	c.event |= status.QuestionableVoltage
	return true
}

func (s *slot) setTimer(ch int, t *time.Timer) {
	s.channels[ch].timer = t
}

// eventSummary is the ISUM bitmap: bit c set when channel c has latched events.
func (s *slot) eventSummary() int {
	bits := 0
	for ch, c := range s.channels {
		if c.event != 0 {
			bits |= 1 << ch
		}
	}
	return bits
}

// readEvent returns and clears the latched events of ch.
func (s *slot) readEvent(ch int) int {
	c := s.channels[ch]
	if c == nil {
		return 0
	}
	v := c.event
	c.event = 0
	return v
}

func (s *slot) measuredCurrent(ch int) float64 {
	c := s.channels[ch]
	if c == nil {
		return 0
	}
	// 1 GOhm load
	return c.actual / 1e9
}
