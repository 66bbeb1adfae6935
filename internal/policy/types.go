package policy

const (
	DefaultSignalType    = "PRICE_DEVIATION_BPS"
	DefaultRiskModeLevel = 2
)

type Policy struct {
	PolicyID        string     `yaml:"policy_id"`
	PolicyVersion   string     `yaml:"policy_version"`
	SignalType      string     `yaml:"signal_type"`
	Thresholds      Thresholds `yaml:"thresholds"`
	CooldownSeconds int64      `yaml:"cooldown_seconds"`
	// RiskModeLevel is the mode requested by SET_RISK_MODE. Nil means DefaultRiskModeLevel.
	RiskModeLevel *int `yaml:"risk_mode_level"`
}

type Thresholds struct {
	RiskBps  int64 `yaml:"risk_bps"`
	PauseBps int64 `yaml:"pause_bps"`
}

func (p Policy) RiskLevel() int {
	if p.RiskModeLevel == nil {
		return DefaultRiskModeLevel
	}
	return *p.RiskModeLevel
}

func (p Policy) Signal() string {
	if p.SignalType == "" {
		return DefaultSignalType
	}
	return p.SignalType
}
