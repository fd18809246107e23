// Package overlap estimates where a scrolled screen capture begins relative
// to the capture before it.
//
// The bottom of the earlier frame and the top of the later one are searched
// for oriented FAST corners carrying rotated BRIEF descriptors. Mutual
// nearest-neighbour matches vote with their vertical displacement and the
// median displacement wins. When the regions carry too little texture to
// match, or the estimate implies an impossible scroll, a fixed advance is
// used instead and the Result says so.
package overlap

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/hazyhaar/scrollstitch/raster"
)

// ErrMatchingFallback marks an estimate that came from the fixed-advance
// heuristic rather than from feature matching. It is never fatal.
var ErrMatchingFallback = errors.New("overlap: matching fallback")

// Config tunes the estimator. Zero fields take the DefaultConfig value.
type Config struct {
	// SearchFraction is the share of the shorter frame searched at the
	// bottom of the earlier frame and the top of the later one.
	SearchFraction float64 `yaml:"search_fraction"`
	// FallbackAdvance is the offset, as a share of the earlier frame's
	// height, used when matching fails.
	FallbackAdvance float64 `yaml:"fallback_advance"`
	// MinAdvance rejects estimates below this share of the earlier frame's
	// height.
	MinAdvance float64 `yaml:"min_advance"`
	// TopMatches is the number of best matches whose displacements vote.
	TopMatches int `yaml:"top_matches"`
	// MaxFeatures caps the keypoints kept per search region.
	MaxFeatures int `yaml:"max_features"`
	// FASTThreshold is the corner contrast threshold.
	FASTThreshold int `yaml:"fast_threshold"`
	// Levels is the number of factor-2 pyramid levels features are
	// detected on.
	Levels int `yaml:"levels"`
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return Config{
		SearchFraction:  0.3,
		FallbackAdvance: 0.8,
		MinAdvance:      0.5,
		TopMatches:      20,
		MaxFeatures:     1000,
		FASTThreshold:   20,
		Levels:          3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchFraction <= 0 || c.SearchFraction > 1 {
		c.SearchFraction = d.SearchFraction
	}
	if c.FallbackAdvance <= 0 || c.FallbackAdvance > 1 {
		c.FallbackAdvance = d.FallbackAdvance
	}
	if c.MinAdvance <= 0 || c.MinAdvance > 1 {
		c.MinAdvance = d.MinAdvance
	}
	if c.TopMatches <= 0 {
		c.TopMatches = d.TopMatches
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.FASTThreshold <= 0 {
		c.FASTThreshold = d.FASTThreshold
	}
	if c.Levels <= 0 {
		c.Levels = d.Levels
	}
	return c
}

const (
	minDescriptors = 2
	minMatches     = 4
)

// Result is the outcome of one estimate.
type Result struct {
	// Offset is the row of the earlier frame at which the later one starts.
	Offset int
	// Matches is the number of cross-checked matches found.
	Matches int
	// Fallback is non-nil, and wraps ErrMatchingFallback, when Offset came
	// from the heuristic.
	Fallback error
}

// Estimator is safe for concurrent use.
type Estimator struct {
	cfg Config
}

// New returns an estimator using cfg.
func New(cfg Config) *Estimator {
	return &Estimator{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Estimate returns the offset in a's rows at which b begins.
func (e *Estimator) Estimate(a, b *raster.Image) Result {
	hA := a.Height
	roi := int(float64(min(hA, b.Height)) * e.cfg.SearchFraction)
	if roi <= 0 {
		return e.fallback(hA, 0, "search region is empty")
	}

	kpA, descA := e.features(a.Gray(hA-roi, hA))
	kpB, descB := e.features(b.Gray(0, roi))
	if len(descA) < minDescriptors || len(descB) < minDescriptors {
		return e.fallback(hA, 0, fmt.Sprintf("%d and %d descriptors", len(descA), len(descB)))
	}

	matches := crossCheck(descA, descB)
	if len(matches) < minMatches {
		return e.fallback(hA, len(matches), fmt.Sprintf("%d matches", len(matches)))
	}

	top := matches[:min(len(matches), e.cfg.TopMatches)]
	dys := make([]float64, len(top))
	for i, m := range top {
		dys[i] = regionY(kpA[m.a]) - regionY(kpB[m.b])
	}
	offset := hA - roi + int(math.Round(median(dys)))

	if float64(offset) < e.cfg.MinAdvance*float64(hA) || offset > hA {
		return e.fallback(hA, len(matches), fmt.Sprintf("estimate %d outside [%d, %d]",
			offset, int(e.cfg.MinAdvance*float64(hA)), hA))
	}
	return Result{Offset: offset, Matches: len(matches)}
}

func (e *Estimator) fallback(hA, matches int, reason string) Result {
	return Result{
		Offset:   int(float64(hA) * e.cfg.FallbackAdvance),
		Matches:  matches,
		Fallback: fmt.Errorf("%w: %s", ErrMatchingFallback, reason),
	}
}

// features detects the strongest keypoints of g over the pyramid and
// describes them.
func (e *Estimator) features(g *raster.Gray) ([]keypoint, []descriptor) {
	levels := []*raster.Gray{g}
	for l := 1; l < e.cfg.Levels; l++ {
		next := halveGray(levels[l-1])
		if next.Width <= 2*featureBorder || next.Height <= 2*featureBorder {
			break
		}
		levels = append(levels, next)
	}

	var kps []keypoint
	for l, lv := range levels {
		kps = append(kps, detectCorners(lv, e.cfg.FASTThreshold, featureBorder, l)...)
	}
	slices.SortFunc(kps, func(p, q keypoint) int {
		return cmp.Or(
			cmp.Compare(q.score, p.score),
			cmp.Compare(p.level, q.level),
			cmp.Compare(p.y, q.y),
			cmp.Compare(p.x, q.x),
		)
	})
	if len(kps) > e.cfg.MaxFeatures {
		kps = kps[:e.cfg.MaxFeatures]
	}

	smooth := make([]*raster.Gray, len(levels))
	descs := make([]descriptor, len(kps))
	for i := range kps {
		kp := &kps[i]
		lv := levels[kp.level]
		if smooth[kp.level] == nil {
			smooth[kp.level] = boxBlur(lv, 2)
		}
		kp.bin = orientationBin(lv, kp.x, kp.y)
		descs[i] = describe(smooth[kp.level], *kp)
	}
	return kps, descs
}

// regionY maps a keypoint back to search-region rows.
func regionY(kp keypoint) float64 {
	return float64(kp.y) * float64(int(1)<<kp.level)
}

func median(v []float64) float64 {
	s := slices.Clone(v)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
