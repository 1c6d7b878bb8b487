// Package status decodes the FEA status register hierarchy: the status byte,
// the standard event status register and the questionable condition tree.
//
// All functions are pure. Register values are read by the session layer and
// handed in here as plain integers.
package status

import (
	"fmt"
	"strings"
)

// Status byte bits (read via serial poll / *STB?).
const (
	STBError        = 4   // error queue not empty
	STBQuestionable = 8   // questionable event summary
	STBMessage      = 16  // message available
	STBEventStatus  = 32  // standard event status summary
	STBService      = 64  // service request
	STBOperation    = 128 // operation pending
)

// Standard event status register bits (*ESR?).
const (
	ESROperationComplete = 1
	ESRRequestControl    = 2
	ESRQueryError        = 4
	ESRDeviceError       = 8
	ESRExecutionError    = 16
	ESRCommandError      = 32
	ESRUserRequest       = 64
	ESRPowerOn           = 128
)

// Questionable register bits.
const (
	QuestionableVoltage = 1
	QuestionableCurrent = 2
	QuestionableInstSum = 8192
)

// ServiceRequestMask is the *SRE mask enabled on open: errors and
// questionable events raise a service request, nothing else does.
const ServiceRequestMask = STBError | STBQuestionable

// EventStatusMask is the *ESE mask enabled on open.
const EventStatusMask = ESROperationComplete

// Snapshot is the decoded view of one status byte read.
type Snapshot struct {
	Raw              byte `json:"raw"`
	ErrorPending     bool `json:"error_pending"`
	Questionable     bool `json:"questionable"`
	MessageAvailable bool `json:"message_available"`
	EventStatus      bool `json:"event_status"`
	ServiceRequest   bool `json:"service_request"`
	OperationPending bool `json:"operation_pending"`
}

// DecodeStatusByte splits a raw status byte into its flags.
func DecodeStatusByte(b byte) Snapshot {
	return Snapshot{
		Raw:              b,
		ErrorPending:     b&STBError != 0,
		Questionable:     b&STBQuestionable != 0,
		MessageAvailable: b&STBMessage != 0,
		EventStatus:      b&STBEventStatus != 0,
		ServiceRequest:   b&STBService != 0,
		OperationPending: b&STBOperation != 0,
	}
}

func (s Snapshot) String() string {
	flags := make([]string, 0, 6)
	if s.ErrorPending {
		flags = append(flags, "ERR")
	}
	if s.Questionable {
		flags = append(flags, "QES")
	}
	if s.MessageAvailable {
		flags = append(flags, "MAV")
	}
	if s.EventStatus {
		flags = append(flags, "ESR")
	}
	if s.ServiceRequest {
		flags = append(flags, "SRQ")
	}
	if s.OperationPending {
		flags = append(flags, "OPS")
	}
	return fmt.Sprintf("0x%02X[%s]", s.Raw, strings.Join(flags, ","))
}

// EventStatus is the decoded standard event status register.
type EventStatus struct {
	Raw               int  `json:"raw"`
	OperationComplete bool `json:"operation_complete"`
	RequestControl    bool `json:"request_control"`
	QueryError        bool `json:"query_error"`
	DeviceError       bool `json:"device_error"`
	ExecutionError    bool `json:"execution_error"`
	CommandError      bool `json:"command_error"`
	UserRequest       bool `json:"user_request"`
	PowerOn           bool `json:"power_on"`
}

// DecodeEventStatus decodes an *ESR? reply.
func DecodeEventStatus(v int) EventStatus {
	return EventStatus{
		Raw:               v,
		OperationComplete: v&ESROperationComplete != 0,
		RequestControl:    v&ESRRequestControl != 0,
		QueryError:        v&ESRQueryError != 0,
		DeviceError:       v&ESRDeviceError != 0,
		ExecutionError:    v&ESRExecutionError != 0,
		CommandError:      v&ESRCommandError != 0,
		UserRequest:       v&ESRUserRequest != 0,
		PowerOn:           v&ESRPowerOn != 0,
	}
}

// Questionable is a decoded questionable event or condition register.
type Questionable struct {
	Raw           int  `json:"raw"`
	Voltage       bool `json:"voltage"`
	Current       bool `json:"current"`
	InstrumentSum bool `json:"instrument_summary"`
}

// DecodeQuestionable decodes any level of the questionable tree.
func DecodeQuestionable(v int) Questionable {
	return Questionable{
		Raw:           v,
		Voltage:       v&QuestionableVoltage != 0,
		Current:       v&QuestionableCurrent != 0,
		InstrumentSum: v&QuestionableInstSum != 0,
	}
}

// BitSet reports whether bit n of a per-module or per-channel summary bitmap
// is set. Module n and channel n are both reported at bit position n.
func BitSet(bitmap, n int) bool {
	if n < 0 || n > 62 {
		return false
	}
	return bitmap&(1<<uint(n)) != 0
}

// PendingBits returns the members of candidates whose bit is set in bitmap,
// preserving their order.
func PendingBits(bitmap int, candidates []int) []int {
	pending := make([]int, 0, len(candidates))
	for _, n := range candidates {
		if BitSet(bitmap, n) {
			pending = append(pending, n)
		}
	}
	return pending
}

// Ready derives channel readiness from a channel condition register: a set
// voltage condition means the output is out of tolerance.
func Ready(condition int) bool {
	return condition&QuestionableVoltage == 0
}
