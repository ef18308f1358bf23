package batch

import (
	"fmt"
	"math"
)

// Adjustment classifies a pacing recommendation.
type Adjustment string

const (
	AdjustEmergencyBrake Adjustment = "emergency_brake"
	AdjustSlowDown       Adjustment = "slow_down"
	AdjustMaintain       Adjustment = "maintain"
	AdjustSpeedUp        Adjustment = "speed_up"
)

// Recommendation is the controller's advice for the delay to insert before the
// next remote generation call.
type Recommendation struct {
	DelayMs    int        `json:"delay_ms"`
	Adjustment Adjustment `json:"adjustment_type"`
	Reasoning  string     `json:"reasoning"`
	Confidence float64    `json:"confidence"`
}

// PacingConfig tunes the controller. Zero fields fall back to the defaults.
type PacingConfig struct {
	BaseDelayMs   int
	MinDelayMs    int
	MaxDelayMs    int
	BrakeDelayMs  int
	BrakeFailures int
	RateFactor    float64
	SlowRate      float64
	FastRate      float64
}

// DefaultPacingConfig returns the production pacing constants.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		BaseDelayMs:   1500,
		MinDelayMs:    500,
		MaxDelayMs:    8000,
		BrakeDelayMs:  6000,
		BrakeFailures: 3,
		RateFactor:    1.3,
		SlowRate:      0.15,
		FastRate:      0.85,
	}
}

// PacingController chooses inter-request delays from a job's cumulative
// success/failure counters. It is a pure function of its inputs: it holds no
// state beyond configuration, so a resumed job paces identically to an
// uninterrupted one.
type PacingController struct {
	cfg PacingConfig
}

// NewPacingController builds a controller, filling unset config fields from
// the defaults.
func NewPacingController(cfg PacingConfig) *PacingController {
	def := DefaultPacingConfig()
	if cfg.BaseDelayMs <= 0 {
		cfg.BaseDelayMs = def.BaseDelayMs
	}
	if cfg.MinDelayMs <= 0 {
		cfg.MinDelayMs = def.MinDelayMs
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = def.MaxDelayMs
	}
	if cfg.BrakeDelayMs <= 0 {
		cfg.BrakeDelayMs = def.BrakeDelayMs
	}
	if cfg.BrakeFailures <= 0 {
		cfg.BrakeFailures = def.BrakeFailures
	}
	if cfg.RateFactor <= 1 {
		cfg.RateFactor = def.RateFactor
	}
	if cfg.SlowRate <= 0 {
		cfg.SlowRate = def.SlowRate
	}
	if cfg.FastRate <= 0 {
		cfg.FastRate = def.FastRate
	}
	return &PacingController{cfg: cfg}
}

// Recommend evaluates the policy rules top to bottom; the first match wins.
// The base delay is never mutated, only the derived delay for the next call.
func (c *PacingController) Recommend(completed, successful, failed int) Recommendation {
	if failed >= c.cfg.BrakeFailures {
		return Recommendation{
			DelayMs:    c.cfg.BrakeDelayMs,
			Adjustment: AdjustEmergencyBrake,
			Reasoning:  fmt.Sprintf("%d failures so far, backing off hard", failed),
			Confidence: 0.92,
		}
	}

	if completed == 0 {
		return Recommendation{
			DelayMs:    c.cfg.BaseDelayMs,
			Adjustment: AdjustMaintain,
			Reasoning:  "no completed items yet, keeping base delay",
			Confidence: 0.5,
		}
	}

	rate := float64(successful) / float64(completed)
	switch {
	case rate < c.cfg.SlowRate:
		delay := int(math.Round(float64(c.cfg.BaseDelayMs) * c.cfg.RateFactor))
		if delay > c.cfg.MaxDelayMs {
			delay = c.cfg.MaxDelayMs
		}
		return Recommendation{
			DelayMs:    delay,
			Adjustment: AdjustSlowDown,
			Reasoning:  fmt.Sprintf("success rate %.0f%% below %.0f%%, slowing down", rate*100, c.cfg.SlowRate*100),
			Confidence: 0.8,
		}
	case rate > c.cfg.FastRate:
		delay := int(math.Round(float64(c.cfg.BaseDelayMs) / c.cfg.RateFactor))
		if delay < c.cfg.MinDelayMs {
			delay = c.cfg.MinDelayMs
		}
		return Recommendation{
			DelayMs:    delay,
			Adjustment: AdjustSpeedUp,
			Reasoning:  fmt.Sprintf("success rate %.0f%% above %.0f%%, speeding up", rate*100, c.cfg.FastRate*100),
			Confidence: 0.75,
		}
	default:
		return Recommendation{
			DelayMs:    c.cfg.BaseDelayMs,
			Adjustment: AdjustMaintain,
			Reasoning:  fmt.Sprintf("success rate %.0f%% within the stable band", rate*100),
			Confidence: 0.6,
		}
	}
}
