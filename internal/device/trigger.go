package device

// TriggerConfig is an explicit struct replacing the Python original's
// kwargs-driven trigger dict (Design Notes §9: "replace dynamic kwargs
// with a typed struct"). Field names and units follow
// omotion/Sensor.py's trigger JSON payload.
type TriggerConfig struct {
	FrequencyHz            float64 `json:"frequency_hz"`
	TriggerPulseWidthUs    uint32  `json:"trigger_pulse_width_us"`
	LaserPulseDelayUs      uint32  `json:"laser_pulse_delay_us"`
	LaserPulseWidthUs      uint32  `json:"laser_pulse_width_us"`
	LaserPulseSkipInterval uint32  `json:"laser_pulse_skip_interval"`
	EnableSyncOut          bool    `json:"enable_sync_out"`
	EnableTaTrigger        bool    `json:"enable_ta_trigger"`
}
