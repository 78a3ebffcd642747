package config

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/STTM-NSU/trading-core/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	MaxSlots    = 6
	DefaultSlot = 0
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type ExecutionConfig struct {
	Type        OrderType     `yaml:"type"`
	HogaOffset  int           `yaml:"hoga_offset"`
	CancelAfter time.Duration `yaml:"cancel_after"`
}

func (c *ExecutionConfig) Setup() error {
	if c.Type == "" {
		c.Type = Limit
	}
	if c.Type != Market && c.Type != Limit {
		return fmt.Errorf("%w: order type %q", ErrInvalid, c.Type)
	}
	if c.CancelAfter < 0 {
		c.CancelAfter = 0
	}
	return nil
}

func (c ExecutionConfig) Market() bool {
	return c.Type == Market
}

type SizingMode string

const (
	FixedCash    SizingMode = "fixed_cash"
	DepositRatio SizingMode = "deposit_ratio"
)

type SizingConfig struct {
	Mode  SizingMode `yaml:"mode"`
	Cash  int64      `yaml:"cash"`
	Ratio float64    `yaml:"ratio"`
}

func (c *SizingConfig) Setup() error {
	if c.Mode == "" {
		c.Mode = FixedCash
	}
	switch c.Mode {
	case FixedCash:
		if c.Cash <= 0 {
			c.Cash = 1_000_000
		}
	case DepositRatio:
		if c.Ratio <= 0 || c.Ratio > 1 {
			return fmt.Errorf("%w: deposit ratio must be in (0, 1]", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: sizing mode %q", ErrInvalid, c.Mode)
	}
	return nil
}

type CapsConfig struct {
	MaxHoldings       int  `yaml:"max_holdings"`
	MaxFillsPerDay    int  `yaml:"max_fills_per_day"`
	MaxFillsPerSymbol int  `yaml:"max_fills_per_symbol"`
	AllowDuplicateBuy bool `yaml:"allow_duplicate_buy"`
	NoRebuyAfterSell  bool `yaml:"no_rebuy_after_sell"`
}

func (c *CapsConfig) Setup() {
	if c.MaxHoldings <= 0 {
		c.MaxHoldings = 10
	}
	if c.MaxFillsPerDay <= 0 {
		c.MaxFillsPerDay = 50
	}
	if c.MaxFillsPerSymbol <= 0 {
		c.MaxFillsPerSymbol = 1
	}
}

type LossCutMode string

const (
	LossCutAll   LossCutMode = "all"
	LossCutAbove LossCutMode = "above"
	LossCutBelow LossCutMode = "below"
)

type LossCutScope string

const (
	ScopeStrategy LossCutScope = "strategy"
	ScopeGlobal   LossCutScope = "global"
)

// LossCutConfig: Ratio > 0 cuts when the aggregate return falls to -Ratio% or below,
// Ratio < 0 cuts when it rises to |Ratio|% or above. Zero disables.
type LossCutConfig struct {
	Ratio     float64      `yaml:"ratio"`
	Mode      LossCutMode  `yaml:"mode"`
	Threshold float64      `yaml:"threshold"`
	Scope     LossCutScope `yaml:"scope"`
}

func (c *LossCutConfig) Setup() error {
	if c.Mode == "" {
		c.Mode = LossCutAll
	}
	if c.Scope == "" {
		c.Scope = ScopeStrategy
	}
	switch c.Mode {
	case LossCutAll, LossCutAbove, LossCutBelow:
	default:
		return fmt.Errorf("%w: loss cut mode %q", ErrInvalid, c.Mode)
	}
	if c.Scope != ScopeStrategy && c.Scope != ScopeGlobal {
		return fmt.Errorf("%w: loss cut scope %q", ErrInvalid, c.Scope)
	}
	return nil
}

// RiskConfig percentages are expressed in percent (5 means 5%). Zero disables a rule.
type RiskConfig struct {
	TakeProfitPct     float64       `yaml:"take_profit_pct"`
	StopLossPct       float64       `yaml:"stop_loss_pct"`
	TrailingArmPct    float64       `yaml:"trailing_arm_pct"`
	TrailingOffsetPct float64       `yaml:"trailing_offset_pct"`
	PreserveArmPct    float64       `yaml:"preserve_arm_pct"`
	PreservePct       float64       `yaml:"preserve_pct"`
	LossCut           LossCutConfig `yaml:"loss_cut"`
}

func (c *RiskConfig) Setup() error {
	for name, v := range map[string]float64{
		"take_profit_pct":     c.TakeProfitPct,
		"stop_loss_pct":       c.StopLossPct,
		"trailing_arm_pct":    c.TrailingArmPct,
		"trailing_offset_pct": c.TrailingOffsetPct,
		"preserve_arm_pct":    c.PreserveArmPct,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if c.TrailingArmPct > 0 && c.TrailingOffsetPct <= 0 {
		return fmt.Errorf("%w: trailing stop needs trailing_offset_pct", ErrInvalid)
	}
	if c.PreserveArmPct > 0 && c.PreservePct >= c.PreserveArmPct {
		return fmt.Errorf("%w: preserve_pct must be below preserve_arm_pct", ErrInvalid)
	}
	return c.LossCut.Setup()
}

// TimeOfDay is an "HH:MM" wall clock time in exchange time.
type TimeOfDay struct {
	Minutes int
	Set     bool
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, nil
	}
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalid, s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalid, s)
	}
	return TimeOfDay{Minutes: hh*60 + mm, Set: true}, nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseTimeOfDay(value.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) String() string {
	if !t.Set {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", t.Minutes/60, t.Minutes%60)
}

// Reached reports whether wall clock minute m is at or after t.
func (t TimeOfDay) Reached(m int) bool {
	return t.Set && m >= t.Minutes
}

type WindowConfig struct {
	Start TimeOfDay `yaml:"start"`
	End   TimeOfDay `yaml:"end"`
}

// Contains reports whether minute-of-day m is inside the window. An unset bound is open.
func (w WindowConfig) Contains(m int) bool {
	if w.Start.Set && m < w.Start.Minutes {
		return false
	}
	if w.End.Set && m >= w.End.Minutes {
		return false
	}
	return true
}

type EODConfig struct {
	Enabled    bool      `yaml:"enabled"`
	At         TimeOfDay `yaml:"at"`
	Market     bool      `yaml:"market"`
	HogaOffset int       `yaml:"hoga_offset"`
}

func (c *EODConfig) Setup() {
	if c.Enabled && !c.At.Set {
		c.At = MustTimeOfDay("15:15")
	}
}

type ScriptConfig struct {
	Buy         string `yaml:"buy"`
	BuyFile     string `yaml:"buy_file"`
	BuyRequired bool   `yaml:"buy_required"`
	Sell        string `yaml:"sell"`
	SellFile    string `yaml:"sell_file"`
	SellOr      bool   `yaml:"sell_or"`
	SellAnd     bool   `yaml:"sell_and"`
}

func (c *ScriptConfig) Setup() error {
	if c.Buy == "" && c.BuyFile != "" {
		b, err := os.ReadFile(c.BuyFile)
		if err != nil {
			return fmt.Errorf("%w: can't read buy script", err)
		}
		c.Buy = string(b)
	}
	if c.Sell == "" && c.SellFile != "" {
		b, err := os.ReadFile(c.SellFile)
		if err != nil {
			return fmt.Errorf("%w: can't read sell script", err)
		}
		c.Sell = string(b)
	}
	if c.Sell != "" && !c.SellOr && !c.SellAnd {
		c.SellOr = true
	}
	return nil
}

type StrategyConfig struct {
	Slot          int             `yaml:"slot"`
	Name          string          `yaml:"name"`
	Disabled      bool            `yaml:"disabled"`
	BuyCondition  model.Condition `yaml:"buy_condition"`
	SellCondition model.Condition `yaml:"sell_condition"`
	Buy           ExecutionConfig `yaml:"buy"`
	Sell          ExecutionConfig `yaml:"sell"`
	Sizing        SizingConfig    `yaml:"sizing"`
	Caps          CapsConfig      `yaml:"caps"`
	Risk          RiskConfig      `yaml:"risk"`
	EOD           EODConfig       `yaml:"eod"`
	Window        WindowConfig    `yaml:"window"`
	Scripts       ScriptConfig    `yaml:"scripts"`

	// Err is set when the definition is invalid; the slot is then never started.
	Err error `yaml:"-"`
}

func DefaultStrategy() StrategyConfig {
	return StrategyConfig{
		Slot: DefaultSlot,
		Name: "default",
		Sell: ExecutionConfig{Type: Market},
	}
}

func (s *StrategyConfig) ValidateAndSetup() error {
	s.Name = cmp.Or(strings.TrimSpace(s.Name), fmt.Sprintf("slot-%d", s.Slot))
	if s.Slot != DefaultSlot && s.BuyCondition.IsZero() && s.SellCondition.IsZero() {
		return fmt.Errorf("%w: strategy %q has neither buy nor sell condition", ErrInvalid, s.Name)
	}
	if !s.BuyCondition.IsZero() && s.BuyCondition == s.SellCondition {
		return fmt.Errorf("%w: strategy %q uses one condition for both sides", ErrInvalid, s.Name)
	}
	if err := s.Buy.Setup(); err != nil {
		return fmt.Errorf("%w: buy", err)
	}
	if err := s.Sell.Setup(); err != nil {
		return fmt.Errorf("%w: sell", err)
	}
	if err := s.Sizing.Setup(); err != nil {
		return err
	}
	s.Caps.Setup()
	if err := s.Risk.Setup(); err != nil {
		return err
	}
	s.EOD.Setup()
	if err := s.Scripts.Setup(); err != nil {
		return err
	}
	if s.Scripts.BuyRequired && s.Scripts.Buy == "" {
		return fmt.Errorf("%w: strategy %q requires a buy script", ErrInvalid, s.Name)
	}
	return nil
}
