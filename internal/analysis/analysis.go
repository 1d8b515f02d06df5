// Package analysis turns a CPAP flow-rate waveform into breathing metrics:
// breathing rate, apnea event count and a leak estimate.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSample is returned for waveforms that cannot be analysed:
// empty or single-point input, non-finite values, or timestamps that do
// not strictly increase.
var ErrInvalidSample = errors.New("invalid sample")

// Point is one waveform observation. T is in seconds, Flow in m^3/s.
type Point struct {
	T    float64 `json:"t"`
	Flow float64 `json:"flow"`
}

// Peak is an accepted inhalation peak.
type Peak struct {
	Index int     `json:"index"`
	T     float64 `json:"t"`
	Flow  float64 `json:"flow"`
}

// LeakFunc estimates leaked volume from a waveform. Implementations must
// return zero for a closed system and grow with unexplained net flow.
type LeakFunc func(points []Point) float64

// Config carries every threshold of the pipeline.
type Config struct {
	// Window is the number of samples on each side a peak must dominate.
	Window int
	// MinProminence is the absolute prominence floor. When zero,
	// ProminenceFactor * stddev(flow) is used instead.
	MinProminence    float64
	ProminenceFactor float64
	// MinHeight is the lowest flow a peak may have.
	MinHeight float64
	// Peaks closer together than RefractoryInterval are merged.
	RefractoryInterval time.Duration
	// ApneaGap is the breath-free interval that counts as one apnea event.
	ApneaGap time.Duration
	Leak     LeakFunc
}

// DefaultConfig mirrors the thresholds the bedside devices were tuned with.
func DefaultConfig() Config {
	return Config{
		Window:             1,
		ProminenceFactor:   0.5,
		MinHeight:          0.00009,
		RefractoryInterval: 800 * time.Millisecond,
		ApneaGap:           10 * time.Second,
		Leak:               NetVolumeLeak,
	}
}

// Validate reports configuration values the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Window < 1:
		return fmt.Errorf("peak window must be >= 1, got %d", c.Window)
	case c.MinProminence < 0 || math.IsNaN(c.MinProminence):
		return fmt.Errorf("min prominence must be >= 0, got %v", c.MinProminence)
	case c.ProminenceFactor < 0 || math.IsNaN(c.ProminenceFactor):
		return fmt.Errorf("prominence factor must be >= 0, got %v", c.ProminenceFactor)
	case c.RefractoryInterval < 0:
		return fmt.Errorf("refractory interval must be >= 0, got %s", c.RefractoryInterval)
	case c.ApneaGap <= 0:
		return fmt.Errorf("apnea gap must be > 0, got %s", c.ApneaGap)
	}
	return nil
}

// Metrics is the result of analysing one waveform.
type Metrics struct {
	Duration float64 `json:"duration"`
	Breaths  int     `json:"breaths"`
	// BreathingRate is in breaths per minute. It is only meaningful when
	// RateAvailable is true; with fewer than two peaks it stays zero.
	BreathingRate float64   `json:"breathing_rate"`
	RateAvailable bool      `json:"rate_available"`
	BreathTimes   []float64 `json:"breath_times"`
	ApneaCount    int       `json:"apnea_count"`
	LeakEstimate  float64   `json:"leak_estimate"`
}

// Analyzer runs the full pipeline with a fixed configuration. It holds no
// mutable state and is safe for concurrent use.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer validates cfg and returns an Analyzer. A nil Leak falls back
// to NetVolumeLeak.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Leak == nil {
		cfg.Leak = NetVolumeLeak
	}
	return &Analyzer{cfg: cfg}, nil
}

// Config returns the analyzer configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Analyze computes breathing rate, apnea count and leak for points.
func (a *Analyzer) Analyze(points []Point) (Metrics, error) {
	peaks, err := DetectPeaks(points, a.cfg)
	if err != nil {
		return Metrics{}, err
	}

	rate, ok := BreathingRate(peaks)
	times := make([]float64, len(peaks))
	for i, p := range peaks {
		times[i] = p.T
	}

	return Metrics{
		Duration:      points[len(points)-1].T - points[0].T,
		Breaths:       len(peaks),
		BreathingRate: rate,
		RateAvailable: ok,
		BreathTimes:   times,
		ApneaCount:    ApneaCount(peaks, a.cfg.ApneaGap),
		LeakEstimate:  a.cfg.Leak(points),
	}, nil
}

// ValidatePoints checks the structural requirements on a waveform.
func ValidatePoints(points []Point) error {
	if len(points) == 0 {
		return fmt.Errorf("%w: empty waveform", ErrInvalidSample)
	}
	if len(points) < 2 {
		return fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidSample, len(points))
	}
	for i, p := range points {
		if !finite(p.T) || !finite(p.Flow) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidSample, i)
		}
		if i > 0 && p.T <= points[i-1].T {
			return fmt.Errorf("%w: timestamps not increasing at index %d (%v after %v)",
				ErrInvalidSample, i, p.T, points[i-1].T)
		}
	}
	return nil
}

// BreathingRate returns 60*(k-1)/(t_last-t_first) for k peaks. The second
// result is false when fewer than two peaks exist, in which case the rate
// is reported as zero.
func BreathingRate(peaks []Peak) (float64, bool) {
	if len(peaks) < 2 {
		return 0, false
	}
	span := peaks[len(peaks)-1].T - peaks[0].T
	if span <= 0 {
		return 0, false
	}
	return 60 * float64(len(peaks)-1) / span, true
}

// ApneaCount counts consecutive-peak gaps of at least gap.
func ApneaCount(peaks []Peak, gap time.Duration) int {
	limit := gap.Seconds()
	count := 0
	for i := 1; i < len(peaks); i++ {
		if peaks[i].T-peaks[i-1].T >= limit {
			count++
		}
	}
	return count
}

// NetVolumeLeak integrates flow over time with the trapezoidal rule and
// converts the net volume from m^3 to litres. Inhaled and exhaled volumes
// cancel in a sealed circuit.
func NetVolumeLeak(points []Point) float64 {
	var v float64
	for i := 1; i < len(points); i++ {
		dt := points[i].T - points[i-1].T
		v += dt * (points[i].Flow + points[i-1].Flow) / 2
	}
	return v * 1000
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
