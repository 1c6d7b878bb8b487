package sim

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/status"
)

// SCPI error codes raised by the simulator.
const (
	errUndefinedHeader  = -113
	errMissingParameter = -109
	errDataOutOfRange   = -222
	errIllegalParameter = -224
	errSettingsConflict = -221
	errCommandProtected = -203
)

var errorText = map[int]string{
	errUndefinedHeader:  "Undefined header",
	errMissingParameter: "Missing parameter",
	errDataOutOfRange:   "Data out of range",
	errIllegalParameter: "Illegal parameter value",
	errSettingsConflict: "Settings conflict",
	errCommandProtected: "Command protected",
}

var questionablePath = regexp.MustCompile(`^QUES(?::INST(\d*)(?::ISUM(:COND)?)?)?$`)

var calibrationTargets = []string{"MEAS:CURR:QCOM", "SOUR:VOLT", "MEAS:VOLT", "MEAS:CURR"}

type command struct {
	root  string
	num   int
	path  string
	query bool
	args  string
}

func parseCommand(line string) command {
	header, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	c := command{args: strings.TrimSpace(args)}

	header = strings.ToUpper(header)
	if strings.HasSuffix(header, "?") {
		c.query = true
		header = strings.TrimSuffix(header, "?")
	}

	first, path, _ := strings.Cut(header, ":")
	i := len(first)
	for i > 0 && first[i-1] >= '0' && first[i-1] <= '9' {
		i--
	}
	c.root = first[:i]
	if i < len(first) {
		c.num, _ = strconv.Atoi(first[i:])
	}
	c.path = path
	return c
}

func (m *Mainframe) fail(code int) {
	m.pushError(code, errorText[code])
}

// execute runs one command. Callers hold m.mu.
func (m *Mainframe) execute(line string) {
	c := parseCommand(line)

	switch c.root {
	case "*RST", "*CLS", "*SRE", "*ESE", "*ESR", "*STB", "*IDN", "*OPC":
		m.common(c)
	case "SYST":
		m.system(c)
	case "STAT":
		m.questionable(c)
	case "INST":
		m.instrument(c)
	case "DIAG":
		m.diagnostic(c)
	case "OUTP":
		m.output(c)
	case "SOUR":
		m.source(c)
	case "MEAS":
		m.measure(c)
	case "CAL":
		m.calibrate(c)
	default:
		m.fail(errUndefinedHeader)
	}
}

func (m *Mainframe) common(c command) {
	switch c.root {
	case "*RST":
		for _, s := range m.slots {
			s.reset()
		}
		m.calMode = false
		if len(m.slots) > 0 {
			m.selected = 1
		}
	case "*CLS":
		m.errQueue = nil
		m.esr = 0
		for _, s := range m.slots {
			s.clearEvents()
		}
	case "*SRE":
		m.register(c, &m.sre)
	case "*ESE":
		m.register(c, &m.ese)
	case "*ESR":
		m.reply(strconv.Itoa(m.esr))
		m.esr = 0
	case "*STB":
		m.reply(strconv.Itoa(int(m.statusByteLocked())))
	case "*IDN":
		m.reply(fmt.Sprintf("%s,%s,%s,%s", m.cfg.Vendor, m.cfg.Unit, m.cfg.Serial, m.cfg.Firmware))
	case "*OPC":
		if !c.query {
			m.esr |= status.ESROperationComplete
			return
		}
		if m.cfg.OPCDelay <= 0 {
			m.reply("1")
			return
		}
		out := m.out
		time.AfterFunc(m.cfg.OPCDelay, func() {
			select {
			case out <- "1":
			default:
			}
		})
	}
}

func (m *Mainframe) register(c command, dst *int) {
	if c.query {
		m.reply(strconv.Itoa(*dst))
		return
	}
	v, err := strconv.Atoi(c.args)
	if err != nil || v < 0 || v > 255 {
		m.fail(errIllegalParameter)
		return
	}
	*dst = v
}

func (m *Mainframe) system(c command) {
	switch c.path {
	case "ERR":
		if len(m.errQueue) == 0 {
			m.reply(`0,"No error"`)
			return
		}
		e := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		m.reply(fmt.Sprintf("%d,%s", e.code, quote(e.text)))
	case "ZCH", "ZERO":
		s := m.slot(m.selected)
		if s == nil || s.family.Kind != modules.KindMeter {
			m.fail(errSettingsConflict)
			return
		}
		dst := &s.zeroCheck
		if c.path == "ZERO" {
			dst = &s.autoZero
		}
		m.boolSetting(c, dst)
	case "VERS":
		m.reply("1999.0")
	default:
		m.fail(errUndefinedHeader)
	}
}

func (m *Mainframe) boolSetting(c command, dst *bool) {
	if c.query {
		m.reply(boolReply(*dst))
		return
	}
	v, ok := parseBool(c.args)
	if !ok {
		m.fail(errIllegalParameter)
		return
	}
	*dst = v
}

func (m *Mainframe) questionable(c command) {
	if c.path == "PRES" && !c.query {
		for _, s := range m.slots {
			s.clearEvents()
		}
		return
	}

	match := questionablePath.FindStringSubmatch(c.path)
	if match == nil || !c.query {
		m.fail(errUndefinedHeader)
		return
	}

	// STAT:QUES? and STAT:QUES:INST?
	if !strings.Contains(c.path, "ISUM") {
		if !strings.Contains(c.path, "INST") {
			m.reply(strconv.Itoa(m.questionableLocked()))
			return
		}
		bits := 0
		for _, s := range m.slots {
			if s.eventSummary() != 0 {
				bits |= 1 << s.number
			}
		}
		m.reply(strconv.Itoa(bits))
		return
	}

	n, _ := strconv.Atoi(match[1])
	s := m.slot(n)
	if s == nil {
		m.fail(errIllegalParameter)
		return
	}
	chs, _, listed, ok := m.channelsArg(s, c.args)
	if !ok {
		return
	}

	condition := match[2] != ""
	if !listed {
		if condition {
			bits := 0
			for ch, st := range s.channels {
				if st.cond != 0 {
					bits |= 1 << ch
				}
			}
			m.reply(strconv.Itoa(bits))
			return
		}
		m.reply(strconv.Itoa(s.eventSummary()))
		return
	}

	ch := chs[0]
	if condition {
		m.reply(strconv.Itoa(s.channels[ch].cond))
		return
	}
	m.reply(strconv.Itoa(s.readEvent(ch)))
}

func (m *Mainframe) instrument(c command) {
	if c.num == 0 {
		switch c.path {
		case "CAT:FULL", "CAT":
			if !c.query {
				m.fail(errUndefinedHeader)
				return
			}
			parts := make([]string, 0, 2*len(m.slots))
			for _, s := range m.slots {
				parts = append(parts, strconv.Quote(s.name), strconv.Itoa(s.number))
			}
			m.reply(strings.Join(parts, ","))
		case "NSEL":
			if c.query {
				m.reply(strconv.Itoa(m.selected))
				return
			}
			n, err := strconv.Atoi(c.args)
			if err != nil || m.slot(n) == nil {
				m.fail(errIllegalParameter)
				return
			}
			m.selected = n
		default:
			m.fail(errUndefinedHeader)
		}
		return
	}

	s := m.slot(c.num)
	if s == nil || c.path != "STAT" {
		m.fail(errUndefinedHeader)
		return
	}
	if c.query {
		m.reply(boolReply(s.on))
		return
	}
	on, ok := parseBool(c.args)
	if !ok {
		m.fail(errIllegalParameter)
		return
	}
	s.on = on
	for _, ch := range s.family.Channels {
		m.startSettle(s, ch)
	}
}

func (m *Mainframe) diagnostic(c command) {
	s := m.slot(c.num)
	if s == nil || c.path != "TEMP" || !c.query {
		m.fail(errUndefinedHeader)
		return
	}
	m.reply(formatFloat(30 + 0.5*float64(s.number)))
}

func (m *Mainframe) output(c command) {
	s := m.slot(c.num)
	if s == nil || s.family.Kind != modules.KindSupply {
		m.fail(errUndefinedHeader)
		return
	}
	chs, rest, _, ok := m.channelsArg(s, c.args)
	if !ok {
		return
	}

	switch c.path {
	case "STAT":
		if c.query {
			states := make([]string, len(chs))
			for i, ch := range chs {
				states[i] = boolReply(s.channels[ch].on)
			}
			m.reply(strings.Join(states, ","))
			return
		}
		on, valid := parseBool(rest)
		if !valid {
			m.fail(errIllegalParameter)
			return
		}
		for _, ch := range chs {
			s.channels[ch].on = on
			m.startSettle(s, ch)
		}
	case "RANG":
		if c.query {
			st := s.channels[chs[0]]
			m.reply(formatFloat(st.low) + "," + formatFloat(st.high))
			return
		}
		values, valid := parseFloats(rest)
		if !valid || len(values) != 2 {
			m.fail(errMissingParameter)
			return
		}
		limit := s.family.VoltageLimit()
		if values[0] > values[1] || values[0] < -limit || values[1] > limit {
			m.fail(errDataOutOfRange)
			return
		}
		for _, ch := range chs {
			s.channels[ch].low, s.channels[ch].high = values[0], values[1]
			m.startSettle(s, ch)
		}
	default:
		m.fail(errUndefinedHeader)
	}
}

func (m *Mainframe) source(c command) {
	s := m.slot(c.num)
	if s == nil || s.family.Kind != modules.KindSupply || c.path != "VOLT" {
		m.fail(errUndefinedHeader)
		return
	}
	chs, rest, _, ok := m.channelsArg(s, c.args)
	if !ok {
		return
	}

	if c.query {
		values := make([]float64, len(chs))
		for i, ch := range chs {
			values[i] = s.channels[ch].program
		}
		m.reply(formatFloats(values))
		return
	}

	values, valid := parseFloats(rest)
	if !valid || len(values) != len(chs) {
		m.fail(errMissingParameter)
		return
	}
	for _, v := range values {
		if v < s.family.MinVoltage || v > s.family.MaxVoltage {
			m.fail(errDataOutOfRange)
			return
		}
	}
	for i, ch := range chs {
		s.channels[ch].program = values[i]
		m.startSettle(s, ch)
	}
}

func (m *Mainframe) measure(c command) {
	s := m.slot(c.num)
	if s == nil {
		m.fail(errUndefinedHeader)
		return
	}

	if s.family.Kind == modules.KindMeter {
		m.measureMeter(s, c)
		return
	}

	if !c.query {
		m.fail(errUndefinedHeader)
		return
	}
	chs, _, _, ok := m.channelsArg(s, c.args)
	if !ok {
		return
	}
	values := make([]float64, len(chs))
	switch c.path {
	case "VOLT":
		for i, ch := range chs {
			values[i] = s.channels[ch].actual
		}
	case "CURR":
		for i, ch := range chs {
			values[i] = s.measuredCurrent(ch)
		}
	default:
		m.fail(errUndefinedHeader)
		return
	}
	m.reply(formatFloats(values))
}

func (m *Mainframe) measureMeter(s *slot, c command) {
	switch c.path {
	case "CURR":
		if !c.query {
			m.fail(errUndefinedHeader)
			return
		}
		if s.zeroCheck {
			m.reply("0")
			return
		}
		m.reply(formatFloat(s.current))
	case "CURR:RANG":
		if c.query {
			m.reply(formatFloat(rangeFor(s.current)))
			return
		}
		v, err := strconv.ParseFloat(c.args, 64)
		if err != nil || v <= 0 {
			m.fail(errIllegalParameter)
			return
		}
		s.autoRange = false
	case "CURR:RANG:AUTO":
		if c.query {
			m.reply(boolReply(s.autoRange))
			return
		}
		s.autoRange = true
	case "CURR:AVER":
		if c.query {
			m.reply(strconv.Itoa(s.averaging))
			return
		}
		n, err := strconv.Atoi(c.args)
		if err != nil || n < 1 {
			m.fail(errIllegalParameter)
			return
		}
		s.averaging = n
	default:
		m.fail(errUndefinedHeader)
	}
}

func (m *Mainframe) calibrate(c command) {
	if c.num == 0 {
		m.calibrationMode(c)
		return
	}

	s := m.slot(c.num)
	if s == nil {
		m.fail(errUndefinedHeader)
		return
	}
	if !c.query && !m.calMode {
		m.fail(errCommandProtected)
		return
	}

	switch c.path {
	case "MEAS:VOLT:LEVEL":
		limit := s.family.VoltageLimit()
		if limit == 0 {
			limit = 1
		}
		m.reply(formatFloat(s.channels[1].actual / limit))
		return
	case "MEAS:CURR:LEVEL":
		m.reply(formatFloat(s.current / rangeFor(s.current)))
		return
	case "MEAS:CURR:QCOM:STATE":
		m.boolSetting(c, &s.qcom)
		return
	case "OUTP:RANGE":
		m.hardwareRange(s, c)
		return
	case "SER":
		m.stringSetting(c, &s.serial)
		return
	case "REM":
		m.stringSetting(c, &s.remark)
		return
	case "DATE":
		if !c.query {
			if _, err := time.Parse(modules.CalibrationDateLayout, unquote(c.args)); err != nil {
				m.fail(errIllegalParameter)
				return
			}
		}
		m.stringSetting(c, &s.calDate)
		return
	case "TEMP":
		if c.query {
			m.reply(formatFloat(s.calTemp))
			return
		}
		v, err := strconv.ParseFloat(c.args, 64)
		if err != nil {
			m.fail(errIllegalParameter)
			return
		}
		s.calTemp = v
		return
	case "UPD":
		s.calTemp = 30 + 0.5*float64(s.number)
		s.calDate = time.Now().Format(modules.CalibrationDateLayout)
		return
	case "STATE":
		chs, rest, _, ok := m.channelsArg(s, c.args)
		if !ok {
			return
		}
		st := s.channels[chs[0]]
		if c.query {
			m.reply(boolReply(st.calState))
			return
		}
		v, valid := parseBool(rest)
		if !valid {
			m.fail(errIllegalParameter)
			return
		}
		st.calState = v
		return
	}

	for _, target := range calibrationTargets {
		if op, found := strings.CutPrefix(c.path, target+":"); found {
			m.curve(s, target, op, c)
			return
		}
	}
	m.fail(errUndefinedHeader)
}

func (m *Mainframe) calibrationMode(c command) {
	switch c.path {
	case "MODE":
		if c.query {
			m.reply(boolReply(m.calMode))
			return
		}
		mode, password, _ := strings.Cut(c.args, ",")
		on, ok := parseBool(mode)
		if !ok {
			m.fail(errIllegalParameter)
			return
		}
		if on && unquote(password) != m.password {
			m.fail(errCommandProtected)
			return
		}
		m.calMode = on
	case "PASS:NEW":
		args := splitUnquoted(c.args, ',')
		if len(args) != 2 {
			m.fail(errIllegalParameter)
			return
		}
		oldPassword, newPassword := args[0], args[1]
		if unquote(oldPassword) != m.password || unquote(newPassword) == "" {
			m.fail(errIllegalParameter)
			return
		}
		m.password = unquote(newPassword)
	default:
		m.fail(errUndefinedHeader)
	}
}

func (m *Mainframe) hardwareRange(s *slot, c command) {
	chs, rest, _, ok := m.channelsArg(s, c.args)
	if !ok {
		return
	}
	st := s.channels[chs[0]]
	if c.query {
		m.reply(formatFloat(st.hwLow) + "," + formatFloat(st.hwHigh))
		return
	}
	values, valid := parseFloats(rest)
	if !valid || len(values) != 2 || values[0] > values[1] {
		m.fail(errIllegalParameter)
		return
	}
	st.hwLow, st.hwHigh = values[0], values[1]
}

func (m *Mainframe) stringSetting(c command, dst *string) {
	if c.query {
		m.reply(quote(*dst))
		return
	}
	*dst = unquote(c.args)
}

// curve handles COUNT, DATA and CAT of one calibration target.
func (m *Mainframe) curve(s *slot, target, op string, c command) {
	switch op {
	case "COUNT":
		if c.query {
			m.reply(strconv.Itoa(s.counts[target]))
			return
		}
		n, err := strconv.Atoi(c.args)
		if err != nil || n < 0 || 2*n > len(s.curves[target]) {
			m.fail(errDataOutOfRange)
			return
		}
		if n == 0 {
			s.curves[target] = nil
		}
		s.counts[target] = n
	case "DATA":
		values, valid := parseFloats(c.args)
		if !valid || len(values) < 1 || values[0] != 0 || (len(values)-1)%2 != 0 {
			m.fail(errIllegalParameter)
			return
		}
		s.curves[target] = values[1:]
	case "CAT":
		if !c.query {
			m.fail(errUndefinedHeader)
			return
		}
		values := s.curves[target]
		if n := 2 * s.counts[target]; n < len(values) {
			values = values[:n]
		}
		m.reply(formatFloats(values))
	default:
		m.fail(errUndefinedHeader)
	}
}

// channelsArg splits a leading "(@c1,c2)" list from args and validates it.
// Without a list the module's channels are addressed. It reports failure
// after queuing the device error.
func (m *Mainframe) channelsArg(s *slot, args string) ([]int, string, bool, bool) {
	if !strings.HasPrefix(args, "(@") {
		return s.family.Channels, args, false, true
	}
	end := strings.Index(args, ")")
	if end < 0 {
		m.fail(errIllegalParameter)
		return nil, "", false, false
	}

	var chs []int
	for _, field := range strings.Split(args[2:end], ",") {
		ch, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || s.channels[ch] == nil {
			m.fail(errIllegalParameter)
			return nil, "", false, false
		}
		chs = append(chs, ch)
	}
	rest := strings.TrimPrefix(strings.TrimSpace(args[end+1:]), ",")
	return chs, strings.TrimSpace(rest), true, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return true, true
	case "0", "OFF":
		return false, true
	}
	return false, false
}

func boolReply(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseFloats(s string) ([]float64, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	fields := strings.Split(s, ",")
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ",")
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// splitUnquoted splits s at sep outside of double-quoted strings. A doubled
// quote inside a string is an escaped quote and keeps the string open.
func splitUnquoted(s string, sep byte) []string {
	var parts []string
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inString = !inString
		case s[i] == sep && !inString:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// rangeFor returns the smallest decade range covering i.
func rangeFor(i float64) float64 {
	r := 2e-9
	for r < math.Abs(i) && r < 2e-2 {
		r *= 10
	}
	return r
}
