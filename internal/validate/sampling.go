package validate

import "fmt"

// SamplingBounds describes the allowed [min,max] range and server default
// for one sampling knob, loaded from config (spec.md §6
// CHAT_*_DEFAULT / min / max environment keys).
type SamplingBounds struct {
	Min, Max, Default float64
}

// SamplingConfig groups bounds for all three overridable sampling
// parameters (spec.md §3 TurnRequest "sampling overrides").
type SamplingConfig struct {
	Temperature       SamplingBounds
	TopP              SamplingBounds
	RepetitionPenalty SamplingBounds
}

// Sampling is the resolved, in-range sampling configuration for one turn.
type Sampling struct {
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// SamplingOverrides mirrors wire.SamplingOverrides without importing the
// wire package, keeping validation logic free of wire-format concerns.
type SamplingOverrides struct {
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty *float64
}

// ResolveSampling applies per-turn overrides on top of configured defaults,
// rejecting any override outside its configured [min,max] bounds.
func ResolveSampling(cfg SamplingConfig, overrides *SamplingOverrides) (Sampling, error) {
	out := Sampling{
		Temperature:       cfg.Temperature.Default,
		TopP:              cfg.TopP.Default,
		RepetitionPenalty: cfg.RepetitionPenalty.Default,
	}
	if overrides == nil {
		return out, nil
	}

	if overrides.Temperature != nil {
		v, err := bound("temperature", *overrides.Temperature, cfg.Temperature)
		if err != nil {
			return Sampling{}, err
		}
		out.Temperature = v
	}
	if overrides.TopP != nil {
		v, err := bound("top_p", *overrides.TopP, cfg.TopP)
		if err != nil {
			return Sampling{}, err
		}
		out.TopP = v
	}
	if overrides.RepetitionPenalty != nil {
		v, err := bound("repetition_penalty", *overrides.RepetitionPenalty, cfg.RepetitionPenalty)
		if err != nil {
			return Sampling{}, err
		}
		out.RepetitionPenalty = v
	}
	return out, nil
}

func bound(name string, v float64, b SamplingBounds) (float64, error) {
	if v < b.Min || v > b.Max {
		return 0, &ValidationError{
			Code:    "invalid_settings",
			Message: fmt.Sprintf("%s %.4f out of range [%.4f, %.4f]", name, v, b.Min, b.Max),
		}
	}
	return v, nil
}
