package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RuleType identifies one of the five supported rule kinds.
type RuleType string

const (
	RulePriceChange   RuleType = "price_change"
	RuleVolumeSpike   RuleType = "volume_spike"
	RuleLimitUp       RuleType = "limit_up"
	RuleLimitDown     RuleType = "limit_down"
	RulePriceBreakout RuleType = "price_breakout"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RulePriceChange, RuleVolumeSpike, RuleLimitUp, RuleLimitDown, RulePriceBreakout:
		return true
	}
	return false
}

const (
	DirectionUp   = "up"
	DirectionDown = "down"

	// Default limit threshold: 10% board limit for main-board stocks.
	defaultLimitThreshold = 10.0
)

// PriceChangeConfig opens when |changePercent| crosses Threshold (percent).
type PriceChangeConfig struct {
	Threshold float64 `json:"threshold"`
}

// VolumeSpikeConfig opens when the current per-second volume increment
// exceeds Multiplier times the average increment over the last Period
// minutes. The optional price fields gate the open on a signed price move.
type VolumeSpikeConfig struct {
	Multiplier           float64 `json:"multiplier"`
	Period               float64 `json:"period"` // minutes
	PriceChangeThreshold float64 `json:"priceChangeThreshold,omitempty"`
	PriceDirection       string  `json:"priceDirection,omitempty"`
}

// LimitConfig covers limit_up and limit_down. Threshold is the board limit
// percentage; the effective trigger is Threshold × 0.99.
type LimitConfig struct {
	Threshold float64 `json:"threshold"`
}

// BreakoutConfig opens when the price crosses BreakoutPrice from the
// BreakoutDirection's starting side between two consecutive ticks.
type BreakoutConfig struct {
	BreakoutPrice     float64 `json:"breakoutPrice"`
	BreakoutDirection string  `json:"breakoutDirection"`
}

// Config is the tagged variant holding exactly one rule kind's settings.
type Config struct {
	Type        RuleType
	PriceChange *PriceChangeConfig
	VolumeSpike *VolumeSpikeConfig
	Limit       *LimitConfig
	Breakout    *BreakoutConfig
}

// ParseConfig decodes the per-type JSON config. Unknown keys are rejected
// here, at the deserialization boundary, so the engine never sees them.
func ParseConfig(ruleType RuleType, raw []byte) (Config, error) {
	if !ruleType.Valid() {
		return Config{}, fmt.Errorf("unknown rule type %q", ruleType)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	cfg := Config{Type: ruleType}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch ruleType {
	case RulePriceChange:
		var c PriceChangeConfig
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("price_change config: %w", err)
		}
		if c.Threshold <= 0 {
			return Config{}, fmt.Errorf("price_change config: threshold must be > 0, got %g", c.Threshold)
		}
		cfg.PriceChange = &c

	case RuleVolumeSpike:
		var c VolumeSpikeConfig
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("volume_spike config: %w", err)
		}
		if c.Multiplier <= 0 {
			return Config{}, fmt.Errorf("volume_spike config: multiplier must be > 0, got %g", c.Multiplier)
		}
		if c.Period <= 0 {
			return Config{}, fmt.Errorf("volume_spike config: period must be > 0, got %g", c.Period)
		}
		if c.PriceChangeThreshold > 0 {
			if c.PriceDirection != DirectionUp && c.PriceDirection != DirectionDown {
				return Config{}, fmt.Errorf("volume_spike config: priceDirection must be up or down, got %q", c.PriceDirection)
			}
		}
		cfg.VolumeSpike = &c

	case RuleLimitUp, RuleLimitDown:
		var c LimitConfig
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("%s config: %w", ruleType, err)
		}
		if c.Threshold == 0 {
			c.Threshold = defaultLimitThreshold
		}
		if c.Threshold < 0 {
			return Config{}, fmt.Errorf("%s config: threshold must be > 0, got %g", ruleType, c.Threshold)
		}
		cfg.Limit = &c

	case RulePriceBreakout:
		var c BreakoutConfig
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("price_breakout config: %w", err)
		}
		if c.BreakoutPrice <= 0 {
			return Config{}, fmt.Errorf("price_breakout config: breakoutPrice must be > 0, got %g", c.BreakoutPrice)
		}
		if c.BreakoutDirection != DirectionUp && c.BreakoutDirection != DirectionDown {
			return Config{}, fmt.Errorf("price_breakout config: breakoutDirection must be up or down, got %q", c.BreakoutDirection)
		}
		cfg.Breakout = &c
	}

	return cfg, nil
}
