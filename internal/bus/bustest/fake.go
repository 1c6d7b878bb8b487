// Package bustest provides a scripted in-memory bus.Bus for unit tests. It
// records every wire operation in order so tests can assert on exact command
// sequences, error-queue reads and the absence of traffic.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/status"
)

// ErrNoReply is returned by ReadLine when no reply is queued.
var ErrNoReply = errors.New("bustest: no reply queued")

// Transcript entry prefixes.
const (
	OpWrite  = "W:"
	OpRead   = "R:"
	OpStatus = "STB:"
)

type deviceError struct {
	code int
	text string
}

// Fake is a scripted bus. Replies are looked up by exact command text first
// through ReplyFunc, then through the Replies map.
type Fake struct {
	mu sync.Mutex

	replies    map[string]string
	replyFunc  func(cmd string) (string, bool)
	writeErrs  map[string]error
	failOn     map[string]deviceError
	errQueue   []deviceError
	statusBits byte
	delay      time.Duration
	block      bool

	pending    []string
	transcript []string
	handler    bus.ServiceRequestHandler
	closed     bool
	closeCalls int
}

// New returns a Fake answering *IDN? with a matching FEA identity and an
// empty module catalog.
func New() *Fake {
	return &Fake{
		replies: map[string]string{
			"*IDN?":          "ISI Brno,FEA,SN0001,1.0",
			"INST:CAT:FULL?": "",
			"*OPC?":          "1",
		},
		writeErrs: make(map[string]error),
		failOn:    make(map[string]deviceError),
	}
}

// Reply scripts the reply for an exact query string.
func (f *Fake) Reply(query, reply string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[query] = reply
	return f
}

// ReplyFunc installs a dynamic reply source consulted before the Replies map.
func (f *Fake) ReplyFunc(fn func(cmd string) (string, bool)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyFunc = fn
	return f
}

// FailOn makes the device queue an error whenever cmd is written.
func (f *Fake) FailOn(cmd string, code int, text string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[cmd] = deviceError{code: code, text: text}
	return f
}

// WriteError makes WriteLine return err for cmd without recording a reply.
func (f *Fake) WriteError(cmd string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErrs[cmd] = err
	return f
}

// SetStatusBits sets status byte bits reported in addition to the error bit.
func (f *Fake) SetStatusBits(bits byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusBits = bits
}

// Drop removes the scripted reply for query, so it is never answered.
func (f *Fake) Drop(query string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replies, query)
	return f
}

// Push queues a reply line as if the device sent it unprompted or late.
func (f *Fake) Push(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, line)
}

// BlockOnEmpty makes ReadLine wait for ctx instead of failing when no reply
// is queued, like a real transport waiting for its read deadline.
func (f *Fake) BlockOnEmpty() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = true
	return f
}

// SetDelay makes every wire operation sleep, widening race windows.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// WriteLine implements bus.Bus.
func (f *Fake) WriteLine(ctx context.Context, line string) error {
	f.sleep()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("bustest: closed")
	}
	f.transcript = append(f.transcript, OpWrite+line)

	if err, ok := f.writeErrs[line]; ok {
		return err
	}
	if de, ok := f.failOn[line]; ok {
		f.errQueue = append(f.errQueue, de)
	}

	if line == "SYST:ERR?" {
		if len(f.errQueue) == 0 {
			f.pending = append(f.pending, `0,"No error"`)
			return nil
		}
		de := f.errQueue[0]
		f.errQueue = f.errQueue[1:]
		f.pending = append(f.pending, fmt.Sprintf("%d,%q", de.code, de.text))
		return nil
	}

	if !strings.Contains(line, "?") {
		return nil
	}
	if f.replyFunc != nil {
		if reply, ok := f.replyFunc(line); ok {
			f.pending = append(f.pending, reply)
			return nil
		}
	}
	if reply, ok := f.replies[line]; ok {
		f.pending = append(f.pending, reply)
	}
	return nil
}

// ReadLine implements bus.Bus.
func (f *Fake) ReadLine(ctx context.Context) (string, error) {
	f.sleep()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		if f.block {
			f.mu.Unlock()
			<-ctx.Done()
			f.mu.Lock()
			f.transcript = append(f.transcript, OpRead+"<timeout>")
			return "", ctx.Err()
		}
		f.transcript = append(f.transcript, OpRead+"<none>")
		return "", ErrNoReply
	}
	reply := f.pending[0]
	f.pending = f.pending[1:]
	f.transcript = append(f.transcript, OpRead+reply)
	return reply, nil
}

// ReadStatusByte implements bus.Bus.
func (f *Fake) ReadStatusByte(ctx context.Context) (byte, error) {
	f.sleep()

	f.mu.Lock()
	defer f.mu.Unlock()

	stb := f.statusBits
	if len(f.errQueue) > 0 {
		stb |= status.STBError
	}
	if len(f.pending) > 0 {
		stb |= status.STBMessage
	}
	f.transcript = append(f.transcript, fmt.Sprintf("%s%d", OpStatus, stb))
	return stb, nil
}

// Subscribe implements bus.Bus.
func (f *Fake) Subscribe(handler bus.ServiceRequestHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

// Unsubscribe implements bus.Bus.
func (f *Fake) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	return nil
}

// Close implements bus.Bus.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	return nil
}

// RaiseServiceRequest invokes the subscribed handler synchronously. It
// reports whether a handler was installed.
func (f *Fake) RaiseServiceRequest() bool {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return false
	}
	handler()
	return true
}

// Transcript returns a copy of all recorded operations.
func (f *Fake) Transcript() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.transcript))
	copy(out, f.transcript)
	return out
}

// Writes returns only the written commands, in order.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.transcript))
	for _, op := range f.transcript {
		if strings.HasPrefix(op, OpWrite) {
			out = append(out, strings.TrimPrefix(op, OpWrite))
		}
	}
	return out
}

// Count returns how many written commands equal cmd.
func (f *Fake) Count(cmd string) int {
	n := 0
	for _, w := range f.Writes() {
		if w == cmd {
			n++
		}
	}
	return n
}

// Reset clears the transcript, keeping the script.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = nil
}

// Closed reports whether Close was called and how often.
func (f *Fake) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCalls
}

// Subscribed reports whether a service request handler is installed.
func (f *Fake) Subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *Fake) sleep() {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}
