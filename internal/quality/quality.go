// Package quality computes the frame quality score used for admission
// priority and diagnostics (spec §4.2). It never rejects frames; on any
// internal failure it returns the documented fallback of 50.
package quality

import (
	"image"
	"math"
)

// FallbackScore is returned when scoring cannot be completed.
const FallbackScore = 50.0

// Score converts img to grayscale and combines sharpness, brightness,
// contrast and edge-density proxies into a single [0,100] score.
func Score(img *image.NRGBA) (score float64) {
	defer func() {
		if recover() != nil {
			score = FallbackScore
		}
	}()

	if img == nil {
		return FallbackScore
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return FallbackScore
	}

	gray := toGrayscale(img)

	sharpness := clamp(laplacianVariance(gray, w, h)/10.0, 0, 100)
	brightness := clamp(meanOf(gray)/2.55, 0, 100)
	contrast := clamp(stdevOf(gray)/2.55, 0, 100)
	edges := clamp(edgeDensity(gray, w, h)*1000, 0, 100)

	result := 0.4*sharpness + 0.2*brightness + 0.2*contrast + 0.2*edges
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return FallbackScore
	}
	return result
}

func toGrayscale(img *image.NRGBA) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		rowOff := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < w; x++ {
			i := rowOff + x*4
			r := float64(img.Pix[i])
			g := float64(img.Pix[i+1])
			b := float64(img.Pix[i+2])
			out[y*w+x] = 0.299*r + 0.587*g + 0.114*b
		}
	}
	return out
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdevOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// laplacianVariance applies the discrete Laplacian kernel [[0,1,0],[1,-4,1],[0,1,0]]
// to the interior of the image and returns the variance of the response, a
// standard sharpness proxy.
func laplacianVariance(gray []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	responses := make([]float64, 0, (w-2)*(h-2))
	at := func(x, y int) float64 { return gray[y*w+x] }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := at(x, y-1) + at(x, y+1) + at(x-1, y) + at(x+1, y) - 4*at(x, y)
			responses = append(responses, lap)
		}
	}
	return stdevOf(responses) * stdevOf(responses)
}

// edgeDensity approximates a Canny-like detector with fixed thresholds
// (50, 150) by computing the Sobel gradient magnitude and counting the
// fraction of pixels whose magnitude falls between the two thresholds.
func edgeDensity(gray []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	const lowThreshold, highThreshold = 50.0, 150.0
	at := func(x, y int) float64 { return gray[y*w+x] }
	edgeCount := 0
	total := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := (at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)) -
				(at(x-1, y-1) + 2*at(x-1, y) + at(x-1, y+1))
			gy := (at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)) -
				(at(x-1, y-1) + 2*at(x, y-1) + at(x+1, y-1))
			magnitude := math.Sqrt(gx*gx + gy*gy)
			total++
			if magnitude >= lowThreshold && magnitude <= highThreshold {
				edgeCount++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edgeCount) / float64(total)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
