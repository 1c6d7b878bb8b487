package types

// VoltageRequest programs one value per channel. Omitted channels mean all
// channels of the module, in order.
type VoltageRequest struct {
	Channels []int     `json:"channels"`
	Values   []float64 `json:"values" binding:"required,min=1"`
}

// RangeRequest sets output limits. One bound derives the pair from the
// family's range policy, two bounds are used as given.
type RangeRequest struct {
	Channels []int     `json:"channels"`
	Bounds   []float64 `json:"bounds" binding:"required,min=1,max=2"`
}

// SwitchRequest turns a module or some of its channels on or off.
type SwitchRequest struct {
	On       *bool `json:"on" binding:"required"`
	Wait     bool  `json:"wait"`
	Channels []int `json:"channels"`
}

type CalibrationModeRequest struct {
	Enabled  *bool  `json:"enabled" binding:"required"`
	Password string `json:"password"`
}

type CalibrationPasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// CalibrationTableRequest names a table file from the search paths.
type CalibrationTableRequest struct {
	Table string `json:"table" binding:"required"`
}

type MeterSettingsRequest struct {
	ZeroCheck *bool    `json:"zero_check"`
	AutoZero  *bool    `json:"auto_zero"`
	Range     *float64 `json:"range"`
	AutoRange bool     `json:"auto_range"`
	Averaging *int     `json:"averaging"`
}

type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}
