package overlap

import (
	"math"
	"math/bits"
	"math/rand/v2"

	"github.com/hazyhaar/scrollstitch/raster"
)

const (
	descriptorBits = 256
	patchRadius    = 13
	angleBins      = 30

	// Keypoints closer than this to an edge are discarded; it covers the
	// orientation disk and the rotated sampling pattern.
	featureBorder = orientRadius + 1
)

// descriptor is a 256-bit rotated BRIEF string.
type descriptor [descriptorBits / 64]uint64

func hamming(a, b *descriptor) int {
	return bits.OnesCount64(a[0]^b[0]) + bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) + bits.OnesCount64(a[3]^b[3])
}

type testPair struct{ x1, y1, x2, y2 int8 }

// steeredPatterns holds the sampling pattern rotated to the centre of each
// orientation bin. The base pattern is fixed so descriptors are comparable
// across processes.
var steeredPatterns = buildPatterns()

func buildPatterns() *[angleBins][descriptorBits]testPair {
	rng := rand.New(rand.NewPCG(0x5c7011, 0x57174c4))
	point := func() (float64, float64) {
		for {
			x := rng.IntN(2*patchRadius+1) - patchRadius
			y := rng.IntN(2*patchRadius+1) - patchRadius
			if x*x+y*y <= patchRadius*patchRadius {
				return float64(x), float64(y)
			}
		}
	}
	var base [descriptorBits][4]float64
	for i := range base {
		x1, y1 := point()
		x2, y2 := point()
		base[i] = [4]float64{x1, y1, x2, y2}
	}

	var out [angleBins][descriptorBits]testPair
	for b := 0; b < angleBins; b++ {
		sin, cos := math.Sincos(float64(b) * 2 * math.Pi / angleBins)
		rot := func(x, y float64) (int8, int8) {
			return int8(math.Round(cos*x - sin*y)), int8(math.Round(sin*x + cos*y))
		}
		for i, p := range base {
			x1, y1 := rot(p[0], p[1])
			x2, y2 := rot(p[2], p[3])
			out[b][i] = testPair{x1, y1, x2, y2}
		}
	}
	return &out
}

// describe computes the steered BRIEF descriptor of kp on the smoothed level.
func describe(smooth *raster.Gray, kp keypoint) descriptor {
	var d descriptor
	pattern := &steeredPatterns[kp.bin]
	w := smooth.Width
	centre := kp.y*w + kp.x
	for i, p := range pattern {
		a := smooth.Pix[centre+int(p.y1)*w+int(p.x1)]
		b := smooth.Pix[centre+int(p.y2)*w+int(p.x2)]
		if a < b {
			d[i/64] |= 1 << (i % 64)
		}
	}
	return d
}

// boxBlur smooths g with a (2r+1)^2 box, clamping at the edges. BRIEF tests
// on raw pixels are too sensitive to noise.
func boxBlur(g *raster.Gray, r int) *raster.Gray {
	w, h := g.Width, g.Height
	tmp := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			sum := 0
			for k := -r; k <= r; k++ {
				sum += int(row[clamp(x+k, w)])
			}
			tmp[y*w+x] = sum
		}
	}
	n := (2*r + 1) * (2*r + 1)
	out := &raster.Gray{Width: w, Height: h, Pix: make([]byte, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for k := -r; k <= r; k++ {
				sum += tmp[clamp(y+k, h)*w+x]
			}
			out.Pix[y*w+x] = byte((sum + n/2) / n)
		}
	}
	return out
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
