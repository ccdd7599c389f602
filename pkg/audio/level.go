package audio

import "math"

// DefaultSmoothing is the exponential-moving-average weight retained from the
// previous level reading. The complement (0.3) is the weight of the new frame.
const DefaultSmoothing = 0.7

// LevelMeter tracks a smoothed input volume in [0, 1] for visualisers.
// Each captured frame's root-mean-square amplitude is folded into a running
// exponential moving average.
//
// A LevelMeter is owned by the capture pipeline and updated only from the
// capture path; it is not safe for concurrent use.
type LevelMeter struct {
	smoothing float64
	level     float64
}

// NewLevelMeter creates a meter with the given smoothing factor in [0, 1).
// Values outside that range fall back to [DefaultSmoothing].
func NewLevelMeter(smoothing float64) *LevelMeter {
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &LevelMeter{smoothing: smoothing}
}

// Observe folds one frame of samples into the running level and returns the
// updated value. Empty frames leave the level unchanged.
func (m *LevelMeter) Observe(samples []float32) float64 {
	if len(samples) == 0 {
		return m.level
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	m.level = m.level*m.smoothing + rms*(1-m.smoothing)
	return m.level
}

// Level returns the current smoothed level without observing new samples.
func (m *LevelMeter) Level() float64 { return m.level }
