package validate

import "testing"

func defaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:       SamplingBounds{Min: 0, Max: 2, Default: 0.8},
		TopP:              SamplingBounds{Min: 0, Max: 1, Default: 0.95},
		RepetitionPenalty: SamplingBounds{Min: 1, Max: 2, Default: 1.1},
	}
}

func TestResolveSamplingNilOverridesUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg := defaultSamplingConfig()
	got, err := ResolveSampling(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Sampling{Temperature: 0.8, TopP: 0.95, RepetitionPenalty: 1.1}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestResolveSamplingAppliesInRangeOverride(t *testing.T) {
	t.Parallel()

	cfg := defaultSamplingConfig()
	temp := 1.5
	got, err := ResolveSampling(cfg, &SamplingOverrides{Temperature: &temp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Temperature != 1.5 {
		t.Fatalf("got temperature %v, want 1.5", got.Temperature)
	}
	if got.TopP != 0.95 || got.RepetitionPenalty != 1.1 {
		t.Fatalf("unrelated fields should keep defaults, got %+v", got)
	}
}

func TestResolveSamplingRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := defaultSamplingConfig()
	tooHigh := 3.0
	_, err := ResolveSampling(cfg, &SamplingOverrides{Temperature: &tooHigh})
	if err == nil {
		t.Fatal("expected error for out-of-range temperature")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestResolveSamplingRejectsOutOfRangeTopP(t *testing.T) {
	t.Parallel()

	cfg := defaultSamplingConfig()
	tooLow := -0.1
	_, err := ResolveSampling(cfg, &SamplingOverrides{TopP: &tooLow})
	if err == nil {
		t.Fatal("expected error for out-of-range top_p")
	}
}
