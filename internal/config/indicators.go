package config

// IndicatorsConfig holds the default periods script helpers use when a script omits them.
type IndicatorsConfig struct {
	RSI            RSIConfig            `yaml:"rsi"`
	BollingerBands BollingerBandsConfig `yaml:"bollinger_bands"`
	MACD           MACDConfig           `yaml:"macd"`
	Stochastic     StochasticConfig     `yaml:"stochastic"`
	ATRLength      int                  `yaml:"atr_length"`
}

type RSIConfig struct {
	Length     int     `yaml:"length"`
	UpperBound float64 `yaml:"upper_bound"`
	LowerBound float64 `yaml:"lower_bound"`
}

type BollingerBandsConfig struct {
	Length    int     `yaml:"length"`
	Deviation float64 `yaml:"deviation"`
}

type MACDConfig struct {
	FastLength      int `yaml:"fast_length"`
	SlowLength      int `yaml:"slow_length"`
	SignalSmoothing int `yaml:"signal_smoothing"`
}

type StochasticConfig struct {
	KLength int `yaml:"k_length"`
	DLength int `yaml:"d_length"`
}

func (c *IndicatorsConfig) Setup() {
	if c.RSI.Length <= 0 {
		c.RSI.Length = 14
	}
	if c.RSI.LowerBound <= 0 {
		c.RSI.LowerBound = 30
	}
	if c.RSI.UpperBound <= 0 {
		c.RSI.UpperBound = 70
	}

	if c.BollingerBands.Length <= 0 {
		c.BollingerBands.Length = 20
	}
	if c.BollingerBands.Deviation <= 0 {
		c.BollingerBands.Deviation = 2
	}

	if c.MACD.FastLength <= 0 {
		c.MACD.FastLength = 12
	}
	if c.MACD.SlowLength <= 0 {
		c.MACD.SlowLength = 26
	}
	if c.MACD.SignalSmoothing <= 0 {
		c.MACD.SignalSmoothing = 9
	}

	if c.Stochastic.KLength <= 0 {
		c.Stochastic.KLength = 14
	}
	if c.Stochastic.DLength <= 0 {
		c.Stochastic.DLength = 3
	}
	if c.ATRLength <= 0 {
		c.ATRLength = 14
	}
}
