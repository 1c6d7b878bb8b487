// Package session owns the single communication channel to an FEA mainframe.
//
// A Session serializes every command and query behind one mutex held for the
// full round trip, including the status byte check and the error queue drain
// that follows it. Multi-step sequences (module re-selection, questionable
// register walks, service request handling) run under a single acquisition so
// that no foreign bytes can interleave with them on the wire.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/status"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const noSelection = -1

// lateReplyPoll spaces status byte reads while waiting for a late reply.
const lateReplyPoll = 5 * time.Millisecond

// Default values applied by Options.
const (
	DefaultUnit             = "FEA"
	DefaultOperationTimeout = 15 * time.Second
	DefaultLateReplyGrace   = 100 * time.Millisecond
)

// Options controls how a session is opened.
type Options struct {
	// ExpectedVendor is compared against the first *IDN? field. Empty accepts any vendor.
	ExpectedVendor string
	// ExpectedUnit is compared against the second *IDN? field.
	ExpectedUnit string
	// KeepState skips *RST on open, leaving outputs as they are.
	KeepState bool
	// OperationTimeout bounds WaitForOperationComplete when no explicit timeout is given.
	OperationTimeout time.Duration
	// LateReplyGrace bounds the read that discards a reply arriving after a timeout.
	LateReplyGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.ExpectedUnit == "" {
		o.ExpectedUnit = DefaultUnit
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.LateReplyGrace <= 0 {
		o.LateReplyGrace = DefaultLateReplyGrace
	}
	return o
}

// Identity is the parsed *IDN? reply.
type Identity struct {
	Vendor   string `json:"vendor"`
	Unit     string `json:"unit"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}

// Descriptor is one entry of the device module catalog.
type Descriptor struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

// Session is an open connection to one mainframe.
type Session struct {
	ID     uuid.UUID
	logger *zap.Logger
	opts   Options

	// mu guards the wire and every field below up to stateMu.
	mu              sync.Mutex
	bus             bus.Bus
	selected        int
	calibrationMode bool
	lateReply       bool
	lateReplyPolled bool

	stateMu       sync.RWMutex
	identity      Identity
	catalog       []Descriptor
	lastStatus    byte
	errorObserved bool
	lastError     *DeviceError

	srq       chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open resets the device, enables the service request mask, validates the
// identity and reads the module catalog. On any failure the bus is closed.
func Open(ctx context.Context, b bus.Bus, opts Options, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		ID:       uuid.New(),
		opts:     opts.withDefaults(),
		bus:      b,
		selected: noSelection,
		srq:      make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.logger = logger.With(zap.String("session", s.ID.String()))

	if err := s.open(ctx); err != nil {
		s.logger.Warn("Session open failed", zap.Error(err))
		if cerr := b.Close(); cerr != nil {
			s.logger.Warn("Failed to release bus", zap.Error(cerr))
		}
		return nil, err
	}

	if err := b.Subscribe(s.onServiceRequest); err != nil {
		_ = b.Close()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	id := s.Identity()
	s.logger.Info("Session opened",
		zap.String("vendor", id.Vendor),
		zap.String("unit", id.Unit),
		zap.String("serial", id.Serial),
		zap.String("firmware", id.Firmware),
		zap.Int("modules", len(s.Descriptors())))

	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	reset := "*RST;*CLS"
	if s.opts.KeepState {
		reset = "*CLS"
	}
	if err := s.WriteUnchecked(ctx, reset); err != nil {
		return err
	}
	if err := s.Write(ctx, fmt.Sprintf("*SRE %d", status.ServiceRequestMask)); err != nil {
		return err
	}
	if err := s.Write(ctx, fmt.Sprintf("*ESE %d", status.EventStatusMask)); err != nil {
		return err
	}

	reply, err := s.Query(ctx, "*IDN?")
	if err != nil {
		return err
	}
	id, ok := parseIdentity(reply)
	if !ok || id.Unit != s.opts.ExpectedUnit ||
		(s.opts.ExpectedVendor != "" && id.Vendor != s.opts.ExpectedVendor) {
		return &IdentityError{Raw: reply, Got: id, ExpectedUnit: s.opts.ExpectedUnit}
	}

	s.stateMu.Lock()
	s.identity = id
	s.stateMu.Unlock()

	_, err = s.ReadCatalog(ctx)
	return err
}

// Identity returns the identity read on open.
func (s *Session) Identity() Identity {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.identity
}

// Descriptors returns the module catalog read on open or by the last ReadCatalog.
func (s *Session) Descriptors() []Descriptor {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]Descriptor, len(s.catalog))
	copy(out, s.catalog)
	return out
}

// Logger returns the session scoped logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// ReadCatalog queries INST:CAT:FULL? and replaces the cached catalog.
func (s *Session) ReadCatalog(ctx context.Context) ([]Descriptor, error) {
	reply, err := s.Query(ctx, "INST:CAT:FULL?")
	if err != nil {
		return nil, err
	}
	catalog, err := parseCatalog(reply)
	if err != nil {
		return nil, err
	}

	s.stateMu.Lock()
	s.catalog = catalog
	s.stateMu.Unlock()

	return catalog, nil
}

func (s *Session) knownModule(number int) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	for _, d := range s.catalog {
		if d.Number == number {
			return true
		}
	}
	return false
}

// Write sends a command, then checks the status byte and raises the first
// queued device error, if any.
func (s *Session) Write(ctx context.Context, cmd string) error {
	return s.write(ctx, cmd, true)
}

// WriteUnchecked sends a command without the status check.
func (s *Session) WriteUnchecked(ctx context.Context, cmd string) error {
	return s.write(ctx, cmd, false)
}

// Query sends a query, reads one reply line and checks for device errors.
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	return s.query(ctx, cmd, true)
}

// QueryUnchecked sends a query and reads one reply line without the status check.
func (s *Session) QueryUnchecked(ctx context.Context, cmd string) (string, error) {
	return s.query(ctx, cmd, false)
}

func (s *Session) write(ctx context.Context, cmd string, checkErrors bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(ctx, cmd); err != nil {
		return err
	}
	if checkErrors {
		return s.checkErrorsLocked(ctx)
	}
	return nil
}

func (s *Session) query(ctx context.Context, cmd string, checkErrors bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := s.queryLocked(ctx, cmd)
	if err != nil {
		return "", err
	}
	if checkErrors {
		if err := s.checkErrorsLocked(ctx); err != nil {
			return "", err
		}
	}
	return reply, nil
}

// WriteBatch sends cmds in order under one lock acquisition, checking for a
// device error after each and stopping at the first failure.
func (s *Session) WriteBatch(ctx context.Context, cmds []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range cmds {
		if err := s.writeLocked(ctx, cmd); err != nil {
			return err
		}
		if err := s.checkErrorsLocked(ctx); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// SelectModule makes number the selected module. The selection command is
// only sent when the cached selection differs.
func (s *Session) SelectModule(ctx context.Context, number int) error {
	if !s.knownModule(number) {
		return fmt.Errorf("%w: %d", ErrUnknownModule, number)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(ctx, number)
}

// WriteModule selects the module and sends cmd under one lock acquisition.
// Use it for commands that address the selected module implicitly.
func (s *Session) WriteModule(ctx context.Context, number int, cmd string) error {
	if !s.knownModule(number) {
		return fmt.Errorf("%w: %d", ErrUnknownModule, number)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectLocked(ctx, number); err != nil {
		return err
	}
	if err := s.writeLocked(ctx, cmd); err != nil {
		return err
	}
	return s.checkErrorsLocked(ctx)
}

// QueryModule selects the module and queries under one lock acquisition.
func (s *Session) QueryModule(ctx context.Context, number int, cmd string) (string, error) {
	if !s.knownModule(number) {
		return "", fmt.Errorf("%w: %d", ErrUnknownModule, number)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectLocked(ctx, number); err != nil {
		return "", err
	}
	reply, err := s.queryLocked(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := s.checkErrorsLocked(ctx); err != nil {
		return "", err
	}
	return reply, nil
}

// SelectedModule returns the cached selection and whether it is known.
func (s *Session) SelectedModule() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.selected != noSelection
}

// WaitForOperationComplete sends *OPC? and blocks until the device answers or
// timeout elapses. A zero timeout uses the configured operation timeout.
// On timeout the late reply is discarded before the next exchange.
func (s *Session) WaitForOperationComplete(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.OperationTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(ctx, "*OPC?"); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.bus.ReadLine(opCtx); err != nil {
		if ctx.Err() != nil {
			s.lateReply, s.lateReplyPolled = true, false
			return ctx.Err()
		}
		if opCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			s.lateReply, s.lateReplyPolled = true, false
			s.logger.Warn("Operation complete wait timed out", zap.Duration("timeout", timeout))
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return &TransportError{Op: "read", Command: "*OPC?", Err: err}
	}

	return s.checkErrorsLocked(ctx)
}

// IsOperationComplete sends *OPC and reports whether the operation complete
// bit is already set in the event status register.
func (s *Session) IsOperationComplete(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(ctx, "*OPC"); err != nil {
		return false, err
	}
	stb, err := s.readStatusLocked(ctx)
	if err != nil {
		return false, err
	}
	if stb&status.STBEventStatus == 0 {
		return false, nil
	}
	reply, err := s.queryLocked(ctx, "*ESR?")
	if err != nil {
		return false, err
	}
	esr, err := ParseInt(reply)
	if err != nil {
		return false, err
	}
	return status.DecodeEventStatus(esr).OperationComplete, nil
}

// StatusByte reads and decodes the status byte.
func (s *Session) StatusByte(ctx context.Context) (status.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stb, err := s.readStatusLocked(ctx)
	if err != nil {
		return status.Snapshot{}, err
	}
	return status.DecodeStatusByte(stb), nil
}

// LastStatus returns the most recently read status byte without wire traffic.
func (s *Session) LastStatus() status.Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return status.DecodeStatusByte(s.lastStatus)
}

// EventStatus reads and decodes *ESR?. Reading clears the register.
func (s *Session) EventStatus(ctx context.Context) (status.EventStatus, error) {
	reply, err := s.Query(ctx, "*ESR?")
	if err != nil {
		return status.EventStatus{}, err
	}
	v, err := ParseInt(reply)
	if err != nil {
		return status.EventStatus{}, err
	}
	return status.DecodeEventStatus(v), nil
}

// ErrorObserved reports the sticky error flag and the last drained error.
func (s *Session) ErrorObserved() (bool, *DeviceError) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.errorObserved, s.lastError
}

// ClearErrorFlag resets the sticky error flag.
func (s *Session) ClearErrorFlag() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.errorObserved = false
	s.lastError = nil
}

// ServiceRequests delivers one token per burst of service requests. The
// channel holds at most one pending notification; further requests arriving
// before it is consumed are coalesced into it.
func (s *Session) ServiceRequests() <-chan struct{} {
	return s.srq
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) onServiceRequest() {
	select {
	case s.srq <- struct{}{}:
	default:
	}
}

// Close unsubscribes from service requests, releases the bus and clears the
// cached state. It is safe to call more than once.
func (s *Session) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.bus.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe service requests", zap.Error(err))
		}
		if err := s.bus.Close(); err != nil {
			closeErr = &TransportError{Op: "close", Err: err}
		}
		s.bus = nil
		s.selected = noSelection
		s.calibrationMode = false
		s.lateReply = false
		s.lateReplyPolled = false

		s.stateMu.Lock()
		s.identity = Identity{}
		s.catalog = nil
		s.lastStatus = 0
		s.errorObserved = false
		s.lastError = nil
		s.stateMu.Unlock()

		close(s.done)
		s.logger.Info("Session closed")
	})

	return closeErr
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// --- helpers below require s.mu ---

func (s *Session) selectLocked(ctx context.Context, number int) error {
	if s.selected == number {
		return nil
	}
	if err := s.writeLocked(ctx, fmt.Sprintf("INST:NSEL %d", number)); err != nil {
		s.selected = noSelection
		return err
	}
	if err := s.checkErrorsLocked(ctx); err != nil {
		s.selected = noSelection
		return err
	}
	s.selected = number
	return nil
}

func (s *Session) writeLocked(ctx context.Context, cmd string) error {
	if s.bus == nil {
		return ErrClosed
	}
	s.discardLateReplyLocked(ctx)

	s.logger.Debug("SCPI write", zap.String("command", cmd))
	if err := s.bus.WriteLine(ctx, cmd); err != nil {
		return &TransportError{Op: "write", Command: cmd, Err: err}
	}
	if strings.HasPrefix(cmd, "*RST") {
		s.selected = noSelection
	}
	return nil
}

func (s *Session) queryLocked(ctx context.Context, cmd string) (string, error) {
	if err := s.writeLocked(ctx, cmd); err != nil {
		return "", err
	}
	reply, err := s.bus.ReadLine(ctx)
	if err != nil {
		return "", &TransportError{Op: "read", Command: cmd, Err: err}
	}
	reply = strings.TrimRight(reply, "\r\n")
	s.logger.Debug("SCPI reply", zap.String("command", cmd), zap.String("reply", reply))
	return reply, nil
}

func (s *Session) queryIntLocked(ctx context.Context, cmd string) (int, error) {
	reply, err := s.queryLocked(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return ParseInt(reply)
}

func (s *Session) readStatusLocked(ctx context.Context) (byte, error) {
	if s.bus == nil {
		return 0, ErrClosed
	}
	stb, err := s.bus.ReadStatusByte(ctx)
	if err != nil {
		return 0, &TransportError{Op: "read status byte", Err: err}
	}

	s.stateMu.Lock()
	s.lastStatus = stb
	s.stateMu.Unlock()

	return stb, nil
}

// checkErrorsLocked reads the status byte and, when the error bit is set,
// drains exactly one record from the error queue.
func (s *Session) checkErrorsLocked(ctx context.Context) error {
	stb, err := s.readStatusLocked(ctx)
	if err != nil {
		return err
	}
	if stb&status.STBError == 0 {
		return nil
	}
	devErr, err := s.readErrorLocked(ctx)
	if err != nil {
		return err
	}
	return devErr
}

func (s *Session) readErrorLocked(ctx context.Context) (*DeviceError, error) {
	reply, err := s.queryLocked(ctx, "SYST:ERR?")
	if err != nil {
		return nil, err
	}
	devErr, err := parseDeviceError(reply)
	if err != nil {
		return nil, err
	}
	s.observeError(devErr)
	return devErr, nil
}

func (s *Session) observeError(devErr *DeviceError) {
	s.stateMu.Lock()
	s.errorObserved = true
	s.lastError = devErr
	s.stateMu.Unlock()

	s.logger.Warn("Device error drained",
		zap.Int("code", devErr.Code),
		zap.String("text", devErr.Text))
}

// discardLateReplyLocked drops the answer to a timed-out *OPC? once the
// status byte shows it waiting in the output queue. The first attempt polls
// for up to LateReplyGrace; later exchanges check MAV once until the reply
// has been drained.
func (s *Session) discardLateReplyLocked(ctx context.Context) {
	if !s.lateReply {
		return
	}

	wait := time.Duration(0)
	if !s.lateReplyPolled {
		s.lateReplyPolled = true
		wait = s.opts.LateReplyGrace
	}
	deadline := time.Now().Add(wait)

	for {
		stb, err := s.bus.ReadStatusByte(ctx)
		if err != nil {
			return
		}
		if stb&status.STBMessage != 0 {
			break
		}
		if !time.Now().Before(deadline) {
			s.logger.Debug("Late reply still outstanding")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(lateReplyPoll):
		}
	}

	s.lateReply = false
	s.lateReplyPolled = false

	readCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	if reply, err := s.bus.ReadLine(readCtx); err == nil {
		s.logger.Debug("Discarded late reply", zap.String("reply", reply))
	}
}
