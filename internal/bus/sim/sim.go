// Package sim implements an in-process FEA mainframe behind the bus.Bus
// contract. It speaks the same command grammar as the hardware, keeps an error
// queue and the questionable register tree, settles programmed voltages after a
// delay and raises service requests from a single dispatcher goroutine.
//
// Importing the package registers the "sim" scheme:
//
//	sim://fea?modules=EPS,QBS,DUS,AMM&settle=200ms&opc=0s&password=fea
package sim

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/status"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed mainframe.
var ErrClosed = errors.New("sim: mainframe closed")

// ErrReadTimeout is returned by ReadLine when no reply arrives in time.
var ErrReadTimeout = errors.New("sim: read timeout")

func init() {
	bus.Register("sim", func(ctx context.Context, address *url.URL) (bus.Bus, error) {
		cfg, err := ParseConfig(address)
		if err != nil {
			return nil, err
		}
		return New(cfg, zap.NewNop())
	})
}

// Config describes the simulated hardware.
type Config struct {
	// Modules lists family prefixes in slot order; slot i has number i+1.
	Modules     []string
	Vendor      string
	Unit        string
	Serial      string
	Firmware    string
	Password    string
	Settle      time.Duration
	OPCDelay    time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns a four-slot mainframe.
func DefaultConfig() Config {
	return Config{
		Modules:     []string{"EPS", "QBS", "DUS", "AMM"},
		Vendor:      "ISI Brno",
		Unit:        "FEA",
		Serial:      "SIM0001",
		Firmware:    "sim-1.0",
		Password:    "fea",
		Settle:      200 * time.Millisecond,
		ReadTimeout: 2 * time.Second,
	}
}

// ParseConfig reads a Config from a sim:// address.
func ParseConfig(address *url.URL) (Config, error) {
	cfg := DefaultConfig()
	q := address.Query()

	if v := q.Get("modules"); v != "" {
		cfg.Modules = strings.Split(v, ",")
	}
	for key, dst := range map[string]*string{
		"vendor": &cfg.Vendor, "unit": &cfg.Unit, "serial": &cfg.Serial,
		"firmware": &cfg.Firmware, "password": &cfg.Password,
	} {
		if v := q.Get(key); v != "" {
			*dst = v
		}
	}
	for key, dst := range map[string]*time.Duration{
		"settle": &cfg.Settle, "opc": &cfg.OPCDelay, "read_timeout": &cfg.ReadTimeout,
	} {
		if v := q.Get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("sim: invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type deviceError struct {
	code int
	text string
}

// Mainframe is the simulated device.
type Mainframe struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	slots    []*slot
	selected int
	errQueue []deviceError
	sre      int
	ese      int
	esr      int
	calMode  bool
	password string
	handler  bus.ServiceRequestHandler
	closed   bool

	out  chan string
	srq  chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a mainframe and starts its service request dispatcher.
func New(cfg Config, logger *zap.Logger) (*Mainframe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}

	m := &Mainframe{
		cfg:      cfg,
		logger:   logger,
		password: cfg.Password,
		out:      make(chan string, 64),
		srq:      make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for i, prefix := range cfg.Modules {
		prefix = strings.ToUpper(strings.TrimSpace(prefix))
		family, ok := modules.LookupFamily(prefix)
		if !ok {
			return nil, fmt.Errorf("sim: unknown module family %q", prefix)
		}
		m.slots = append(m.slots, newSlot(i+1, fmt.Sprintf("%s%d", family.Prefix, i+1), family))
	}
	if len(m.slots) > 0 {
		m.selected = 1
	}

	m.wg.Add(1)
	go m.dispatch()

	logger.Info("Simulated mainframe ready",
		zap.Strings("modules", cfg.Modules),
		zap.Duration("settle", cfg.Settle))

	return m, nil
}

// WriteLine implements bus.Bus. Several commands may be joined with ';'.
func (m *Mainframe) WriteLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for _, part := range splitUnquoted(line, ';') {
		if part = strings.TrimSpace(part); part != "" {
			m.execute(part)
		}
	}
	raise := m.statusByteLocked()&status.STBService != 0
	m.mu.Unlock()

	if raise {
		m.requestService()
	}
	return nil
}

// ReadLine implements bus.Bus.
func (m *Mainframe) ReadLine(ctx context.Context) (string, error) {
	timer := time.NewTimer(m.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case line := <-m.out:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrReadTimeout
	case <-m.done:
		return "", ErrClosed
	}
}

// ReadStatusByte implements bus.Bus.
func (m *Mainframe) ReadStatusByte(ctx context.Context) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.statusByteLocked(), nil
}

// Subscribe implements bus.Bus.
func (m *Mainframe) Subscribe(handler bus.ServiceRequestHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return nil
}

// Unsubscribe implements bus.Bus.
func (m *Mainframe) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	return nil
}

// Close stops timers and the dispatcher.
func (m *Mainframe) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, s := range m.slots {
		s.stopTimers()
	}
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	m.logger.Info("Simulated mainframe closed")
	return nil
}

// dispatch delivers service requests one at a time.
func (m *Mainframe) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.srq:
			m.mu.Lock()
			handler := m.handler
			m.mu.Unlock()
			if handler != nil {
				handler()
			}
		}
	}
}

func (m *Mainframe) requestService() {
	select {
	case m.srq <- struct{}{}:
	default:
	}
}

func (m *Mainframe) reply(line string) {
	select {
	case m.out <- line:
	default:
		m.pushError(-350, "Queue overflow")
	}
}

func (m *Mainframe) pushError(code int, text string) {
	if len(m.errQueue) >= 16 {
		return
	}
	m.errQueue = append(m.errQueue, deviceError{code: code, text: text})
	m.esr |= esrForCode(code)
}

func esrForCode(code int) int {
	switch {
	case code <= -100 && code > -200:
		return status.ESRCommandError
	case code <= -200 && code > -300:
		return status.ESRExecutionError
	case code <= -300 && code > -400:
		return status.ESRDeviceError
	}
	return 0
}

func (m *Mainframe) statusByteLocked() byte {
	var stb byte
	if len(m.errQueue) > 0 {
		stb |= status.STBError
	}
	if m.questionableLocked() != 0 {
		stb |= status.STBQuestionable
	}
	if len(m.out) > 0 {
		stb |= status.STBMessage
	}
	if m.esr&m.ese != 0 {
		stb |= status.STBEventStatus
	}
	if int(stb)&m.sre != 0 {
		stb |= status.STBService
	}
	return stb
}

func (m *Mainframe) questionableLocked() int {
	for _, s := range m.slots {
		if s.eventSummary() != 0 {
			return status.QuestionableInstSum
		}
	}
	return 0
}

func (m *Mainframe) slot(n int) *slot {
	if n < 1 || n > len(m.slots) {
		return nil
	}
	return m.slots[n-1]
}

// settled is called by a channel timer once its output reached the target.
func (m *Mainframe) settled(s *slot, ch int, gen uint64) {
	m.mu.Lock()
	if m.closed || !s.finishSettle(ch, gen) {
		m.mu.Unlock()
		return
	}
	raise := m.statusByteLocked()&status.STBService != 0
	m.mu.Unlock()

	if raise {
		m.requestService()
	}
}

func (m *Mainframe) startSettle(s *slot, ch int) {
	gen := s.beginSettle(ch)
	if m.cfg.Settle <= 0 {
		s.finishSettle(ch, gen)
		return
	}
	s.setTimer(ch, time.AfterFunc(m.cfg.Settle, func() { m.settled(s, ch, gen) }))
}
