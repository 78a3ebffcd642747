package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/STTM-NSU/trading-core/internal/quota"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Mode int

const (
	ModeLive Mode = iota
	ModeSynthetic
	ModeSyntheticWarmup
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSynthetic:
		return "synthetic"
	case ModeSyntheticWarmup:
		return "synthetic_warmup"
	case ModeReplay:
		return "replay"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

func (m Mode) Simulated() bool {
	return m != ModeLive
}

type AppConfig struct {
	Mode           Mode    `yaml:"mode"`
	LogLevel       string  `yaml:"log_level"`
	Account        string  `yaml:"account"`
	InitialDeposit int64   `yaml:"initial_deposit"`
	FeeRate        float64 `yaml:"fee_rate"`
	TaxRate        float64 `yaml:"tax_rate"`
	HTTPPort       string  `yaml:"http_port"`
}

const (
	_initialDepositDefault = 10_000_000
	_httpPortDefault       = "8080"
	_liveFeeRate           = 0.00015
	_simFeeRate            = 0.00035
	_taxRate               = 0.0015
)

func (c *AppConfig) Setup() error {
	if c.Mode < ModeLive || c.Mode > ModeReplay {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalid, c.Mode)
	}
	if c.Mode == ModeLive && c.Account == "" {
		return fmt.Errorf("%w: account is required in live mode", ErrInvalid)
	}
	if c.InitialDeposit <= 0 {
		c.InitialDeposit = _initialDepositDefault
	}
	if c.FeeRate <= 0 {
		c.FeeRate = _liveFeeRate
		if c.Mode.Simulated() {
			c.FeeRate = _simFeeRate
		}
	}
	if c.TaxRate <= 0 {
		c.TaxRate = _taxRate
	}
	c.HTTPPort = cmp.Or(c.HTTPPort, _httpPortDefault)
	c.LogLevel = cmp.Or(c.LogLevel, "info")
	return nil
}

func (c AppConfig) FeeRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.FeeRate)
}

func (c AppConfig) TaxRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.TaxRate)
}

type BrokerConfig struct {
	Address          string        `yaml:"address"`
	EventsPath       string        `yaml:"events_path"`
	TRTimeout        time.Duration `yaml:"tr_timeout"`
	ConditionTimeout time.Duration `yaml:"condition_timeout"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

func (c *BrokerConfig) Setup() {
	c.Address = cmp.Or(c.Address, "http://127.0.0.1:8765")
	c.EventsPath = cmp.Or(c.EventsPath, "/events")
	if c.TRTimeout <= 0 {
		c.TRTimeout = 5 * time.Second
	}
	if c.ConditionTimeout <= 0 {
		c.ConditionTimeout = 15 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
}

type QuotaConfig struct {
	Requests         []quota.Horizon `yaml:"requests"`
	Orders           []quota.Horizon `yaml:"orders"`
	ConditionCooloff time.Duration   `yaml:"condition_cooloff"`
}

func (c *QuotaConfig) Setup() error {
	if len(c.Requests) == 0 {
		c.Requests = quota.DefaultRequestHorizons
	}
	if len(c.Orders) == 0 {
		c.Orders = quota.DefaultOrderHorizons
	}
	for _, h := range append(append([]quota.Horizon(nil), c.Requests...), c.Orders...) {
		if h.Window <= 0 || h.Limit <= 0 {
			return fmt.Errorf("%w: quota horizon %s/%d", ErrInvalid, h.Window, h.Limit)
		}
	}
	if c.ConditionCooloff <= 0 {
		c.ConditionCooloff = quota.DefaultConditionCooloff
	}
	return nil
}

func (c QuotaConfig) Options() []quota.Option {
	return []quota.Option{
		quota.WithHorizons(quota.Requests, c.Requests...),
		quota.WithHorizons(quota.Orders, c.Orders...),
		quota.WithConditionCooloff(c.ConditionCooloff),
	}
}

type StorageConfig struct {
	ChartDBPath   string        `yaml:"chart_db_path"`
	Retention     time.Duration `yaml:"retention"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (c *StorageConfig) Setup() {
	c.ChartDBPath = cmp.Or(c.ChartDBPath, "./data/chart.db")
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
}

type SimConfig struct {
	Seed           int64         `yaml:"seed"`
	Universe       []string      `yaml:"universe"`
	TicksPerSecond int           `yaml:"ticks_per_second"`
	Step           time.Duration `yaml:"step"`
	ReplayDate     string        `yaml:"replay_date"`
	Speed          float64       `yaml:"speed"`
	WarmupBars     int           `yaml:"warmup_bars"`
}

func (c *SimConfig) Setup(mode Mode) error {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.TicksPerSecond <= 0 {
		c.TicksPerSecond = 20
	}
	if c.Step <= 0 {
		c.Step = time.Second
	}
	if c.Speed <= 0 {
		c.Speed = 1
	}
	if c.WarmupBars <= 0 {
		c.WarmupBars = 120
	}
	if mode == ModeReplay {
		if _, err := time.Parse("20060102", c.ReplayDate); err != nil {
			return fmt.Errorf("%w: replay_date must be YYYYMMDD", ErrInvalid)
		}
	}
	if (mode == ModeSynthetic || mode == ModeSyntheticWarmup) && len(c.Universe) == 0 {
		c.Universe = []string{"005930", "000660", "035720", "035420", "051910", "006400", "068270", "105560"}
	}
	return nil
}

type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	Quota      QuotaConfig      `yaml:"quota"`
	Storage    StorageConfig    `yaml:"storage"`
	Sim        SimConfig        `yaml:"sim"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// ValidateAndSetup fills defaults. Root level errors fail the whole config; a broken strategy
// only disables its own slot (see StrategyConfig.Err).
func (c *Config) ValidateAndSetup() error {
	if err := c.App.Setup(); err != nil {
		return err
	}
	c.Broker.Setup()
	if err := c.Quota.Setup(); err != nil {
		return err
	}
	c.Storage.Setup()
	if err := c.Sim.Setup(c.App.Mode); err != nil {
		return err
	}
	c.Indicators.Setup()

	seen := make(map[int]bool, len(c.Strategies))
	hasDefault := false
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Slot < 0 || s.Slot >= MaxSlots {
			return fmt.Errorf("%w: strategy %q slot %d out of range", ErrInvalid, s.Name, s.Slot)
		}
		if seen[s.Slot] {
			return fmt.Errorf("%w: duplicate strategy slot %d", ErrInvalid, s.Slot)
		}
		seen[s.Slot] = true
		if s.Slot == DefaultSlot {
			hasDefault = true
		}
		if err := s.ValidateAndSetup(); err != nil {
			s.Err = err
		}
	}
	if !hasDefault {
		def := DefaultStrategy()
		_ = def.ValidateAndSetup()
		c.Strategies = append([]StrategyConfig{def}, c.Strategies...)
	}
	return nil
}

// ApplyEnv overrides file values with environment variables when set.
func (c *Config) ApplyEnv() {
	c.Broker.Address = cmp.Or(os.Getenv("BROKER_ADDRESS"), c.Broker.Address)
	c.App.Account = cmp.Or(os.Getenv("BROKER_ACCOUNT"), c.App.Account)
	c.Storage.ChartDBPath = cmp.Or(os.Getenv("CHART_DB_PATH"), c.Storage.ChartDBPath)
	if v := os.Getenv("TRADING_MODE"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			c.App.Mode = Mode(m)
		}
	}
}

func Parse(input []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}
	cfg.ApplyEnv()
	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}
	return cfg, nil
}

func Load(filename string) (Config, error) {
	input, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("%w: can't read file", err)
	}
	return Parse(input)
}
