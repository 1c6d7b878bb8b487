package types

// ModuleInfo describes one catalog entry as served by the API.
type ModuleInfo struct {
	Number   int           `json:"number"`
	Name     string        `json:"name"`
	Family   string        `json:"family"`
	Kind     string        `json:"kind"` // supply, meter
	Channels []ChannelInfo `json:"channels"`

	MinVoltage float64 `json:"min_voltage,omitempty"`
	MaxVoltage float64 `json:"max_voltage,omitempty"`

	MultiChannel bool `json:"multi_channel"`
	Calibratable bool `json:"calibratable"`
}

type ChannelInfo struct {
	Channel int  `json:"channel"`
	Ready   bool `json:"ready"`
}

// SessionInfo is the state of the open mainframe session.
type SessionInfo struct {
	ID              string `json:"id"`
	Vendor          string `json:"vendor"`
	Unit            string `json:"unit"`
	Serial          string `json:"serial"`
	Firmware        string `json:"firmware"`
	SelectedModule  *int   `json:"selected_module,omitempty"`
	CalibrationMode bool   `json:"calibration_mode"`
	Status          any    `json:"status"`
	ErrorObserved   bool   `json:"error_observed"`
	LastError       any    `json:"last_error,omitempty"`
}

// ChannelValues pairs channels with measured or programmed values.
type ChannelValues struct {
	Module   int       `json:"module"`
	Channels []int     `json:"channels"`
	Values   []float64 `json:"values"`
}
