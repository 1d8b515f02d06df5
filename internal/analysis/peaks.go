package analysis

import "math"

// DetectPeaks finds inhalation peaks in points.
//
// A sample is a candidate when it is strictly higher than every sample in
// the Window before it and not lower than any sample in the Window after it
// (so the first sample of a flat top wins). Candidates below MinHeight or
// whose prominence does not exceed the prominence floor are dropped.
// Survivors closer together than RefractoryInterval collapse into the
// higher of the two.
func DetectPeaks(points []Point, cfg Config) ([]Peak, error) {
	if err := ValidatePoints(points); err != nil {
		return nil, err
	}

	floor := cfg.MinProminence
	if floor == 0 && cfg.ProminenceFactor > 0 {
		floor = cfg.ProminenceFactor * stddev(points)
	}
	w := cfg.Window
	if w < 1 {
		w = 1
	}

	var candidates []Peak
	for i := 1; i < len(points)-1; i++ {
		f := points[i].Flow
		if f < cfg.MinHeight || !dominates(points, i, w) {
			continue
		}
		if floor > 0 && prominence(points, i) <= floor {
			continue
		}
		candidates = append(candidates, Peak{Index: i, T: points[i].T, Flow: f})
	}

	return mergeRefractory(candidates, cfg.RefractoryInterval.Seconds()), nil
}

func dominates(points []Point, i, w int) bool {
	f := points[i].Flow
	for j := i - 1; j >= 0 && j >= i-w; j-- {
		if points[j].Flow >= f {
			return false
		}
	}
	for j := i + 1; j < len(points) && j <= i+w; j++ {
		if points[j].Flow > f {
			return false
		}
	}
	return true
}

// prominence is the height of points[i] above the higher of the two lowest
// points reached on each side before climbing above it.
func prominence(points []Point, i int) float64 {
	f := points[i].Flow

	leftMin := f
	for j := i - 1; j >= 0; j-- {
		if points[j].Flow > f {
			break
		}
		leftMin = math.Min(leftMin, points[j].Flow)
	}
	rightMin := f
	for j := i + 1; j < len(points); j++ {
		if points[j].Flow > f {
			break
		}
		rightMin = math.Min(rightMin, points[j].Flow)
	}
	return f - math.Max(leftMin, rightMin)
}

func mergeRefractory(peaks []Peak, refractory float64) []Peak {
	if refractory <= 0 || len(peaks) < 2 {
		return peaks
	}
	out := make([]Peak, 0, len(peaks))
	for _, p := range peaks {
		n := len(out)
		if n > 0 && p.T-out[n-1].T < refractory {
			if p.Flow > out[n-1].Flow {
				out[n-1] = p
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

func stddev(points []Point) float64 {
	var mean float64
	for _, p := range points {
		mean += p.Flow
	}
	mean /= float64(len(points))
	var ss float64
	for _, p := range points {
		d := p.Flow - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(points)))
}
