// Package enhancer implements the pluggable per-frame image enhancement
// chain (spec §4.5 "Enhancer"): a small set of named modes, each a bounded
// filter chain over an *image.NRGBA, selected automatically from scene
// brightness or pinned by an operator override. The filter chains themselves
// are built on gocv (OpenCV bindings) so CLAHE, LAB/YUV color conversion,
// bilateral denoise, and histogram equalization match the reference
// implementation's cv2 pipeline rather than an approximation.
package enhancer

import (
	"image"
	"image/draw"
	"time"

	"gocv.io/x/gocv"
)

// Mode names the active enhancement chain.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeDay      Mode = "day"
	ModeLowLight Mode = "low_light"
	ModeNight    Mode = "night"
	ModeSecurity Mode = "security"
)

// Budget is the soft per-frame processing deadline (spec §6); Enhance
// itself does not enforce it (the caller times and may drop the result),
// but filter chains are chosen to comfortably fit inside it.
const Budget = 50 * time.Millisecond

// Result reports what Enhance did so the caller can publish diagnostics.
type Result struct {
	Mode               Mode
	ProcessingTime     time.Duration
	QualityImprovement float64 // clamped to [0,1]
}

// scorer computes the same [0,100] proxy quality.Score uses, injected to
// avoid an import cycle between enhancer and quality.
type scorer func(*image.NRGBA) float64

// Enhancer applies a mode-selected filter chain to frames before admission
// to the frame buffer.
type Enhancer struct {
	score scorer
}

// New constructs an Enhancer. score is typically quality.Score.
func New(score func(*image.NRGBA) float64) *Enhancer {
	return &Enhancer{score: score}
}

// Enhance classifies the frame when mode is ModeAuto (or empty) and applies
// the resolved chain. On any internal failure it returns the original frame
// unmodified with mode reported as-is and a zero quality improvement, per
// the "never fail admission" contract shared with quality.Score.
func (e *Enhancer) Enhance(img *image.NRGBA, mode Mode) (out *image.NRGBA, result Result) {
	start := time.Now()
	defer func() {
		if recover() != nil {
			out = img
			result = Result{Mode: mode, ProcessingTime: time.Since(start)}
		}
	}()

	if img == nil {
		return img, Result{Mode: mode}
	}

	resolved := mode
	needsClassify := resolved == "" || resolved == ModeAuto
	if !needsClassify && resolved != ModeDay && resolved != ModeLowLight && resolved != ModeNight && resolved != ModeSecurity {
		return img, Result{Mode: mode, ProcessingTime: time.Since(start)}
	}

	before := 0.0
	if e.score != nil {
		before = e.score(img)
	}

	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return img, Result{Mode: mode, ProcessingTime: time.Since(start)}
	}
	defer bgr.Close()

	if needsClassify {
		resolved = classify(bgr)
	}

	var enhancedMat gocv.Mat
	switch resolved {
	case ModeDay:
		enhancedMat = applyDay(bgr)
	case ModeLowLight:
		enhancedMat = applyLowLight(bgr)
	case ModeNight:
		enhancedMat = applyNight(bgr)
	case ModeSecurity:
		enhancedMat = applySecurity(bgr)
	}
	defer enhancedMat.Close()

	enhancedImg, err := matToNRGBA(enhancedMat, img.Bounds())
	if err != nil {
		return img, Result{Mode: resolved, ProcessingTime: time.Since(start)}
	}

	after := before
	if e.score != nil {
		after = e.score(enhancedImg)
	}

	return enhancedImg, Result{
		Mode:               resolved,
		ProcessingTime:     time.Since(start),
		QualityImprovement: clamp(after-before, 0, 1),
	}
}

// Classification thresholds and per-mode filter parameters, carried over
// from the reference enhancer's EnhancementSettings defaults.
const (
	nightVisionThreshold     = 80.0
	dayBrightnessThreshold   = 150.0
	varianceFlatnessCutoff   = 200.0 // below this, a bright scene is treated as uniformly lit rather than high-key

	nightBrightnessBoost = 0.4
	nightGamma           = 0.8
	nightContrastBoost   = 0.5

	lowLightBrightnessBoost = 0.2

	dayEdgeEnhancement     = 0.4
	dayDetailPreservation  = 0.7
	dayContrastEnhancement = 0.3
)

// classify picks a mode from mean luminance, brightness variance, and
// histogram dark/bright-bin dominance, mirroring
// AdvancedImageEnhancer.detect_lighting_conditions: dark scenes split into
// night vs low-light by which histogram tail dominates, bright scenes split
// into day vs security by how flat (low-variance) the lighting is, and
// midrange scenes fall back to security.
func classify(bgr gocv.Mat) Mode {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)

	mean := gray.Mean().Val1

	meanMat, stdMat := gocv.NewMat(), gocv.NewMat()
	defer meanMat.Close()
	defer stdMat.Close()
	gocv.MeanStdDev(gray, &meanMat, &stdMat)
	stddev := stdMat.GetDoubleAt(0, 0)
	variance := stddev * stddev

	darkPixels, brightPixels := darkBrightHistogramCounts(gray)

	switch {
	case mean < nightVisionThreshold:
		if darkPixels > brightPixels*2 {
			return ModeNight
		}
		return ModeLowLight
	case mean > dayBrightnessThreshold:
		if variance < varianceFlatnessCutoff {
			return ModeSecurity
		}
		return ModeDay
	default:
		return ModeSecurity
	}
}

// darkBrightHistogramCounts sums the very-dark (0-49) and very-bright
// (200-255) bins of the grayscale histogram, the same split
// detect_lighting_conditions uses to tell true darkness (night) apart from
// merely dim, evenly lit scenes (low-light).
func darkBrightHistogramCounts(gray gocv.Mat) (dark, bright float64) {
	mask := gocv.NewMat()
	defer mask.Close()
	hist := gocv.NewMat()
	defer hist.Close()
	gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	for i := 0; i < 50; i++ {
		dark += float64(hist.GetFloatAt(i, 0))
	}
	for i := 200; i < 256; i++ {
		bright += float64(hist.GetFloatAt(i, 0))
	}
	return dark, bright
}

var sharpenKernel = newKernel([3][3]float32{
	{0, -1, 0},
	{-1, 5, -1},
	{0, -1, 0},
}, 0.25)

var edgeKernel = newKernel([3][3]float32{
	{-1, -1, -1},
	{-1, 8, -1},
	{-1, -1, -1},
}, 0.1)

// newKernel builds a 3x3 CV_32F convolution kernel, scaled by weight. The
// two package-level kernels live for the process lifetime, so they are
// never Close()'d, the same way a regexp.MustCompile result is never freed.
func newKernel(values [3][3]float32, weight float32) gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.SetFloatAt(r, c, values[r][c]*weight)
		}
	}
	return k
}

// applyNight: LAB conversion; CLAHE on L (clip 3.0, tile 8x8); additive
// brightness boost; gamma 0.8; bilateral denoise; unsharp mask; reconvert;
// final contrast gain 1 + night_contrast_boost.
func applyNight(bgr gocv.Mat) gocv.Mat {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	l, a, bChan := channels[0], channels[1], channels[2]
	defer a.Close()
	defer bChan.Close()

	clahe := gocv.NewCLAHEWithParams(3.0, image.Pt(8, 8))
	defer clahe.Close()
	claheOut := gocv.NewMat()
	clahe.Apply(l, &claheOut)
	l.Close()

	claheOut.AddUChar(uint8(255 * nightBrightnessBoost))

	gammaOut := applyGamma(claheOut, nightGamma)
	claheOut.Close()

	denoised := gocv.NewMat()
	gocv.BilateralFilter(gammaOut, &denoised, 9, 75, 75)
	gammaOut.Close()

	sharpened := gocv.NewMat()
	gocv.Filter2D(denoised, &sharpened, gocv.MatType(-1), sharpenKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	denoised.Close()

	merged := gocv.NewMat()
	gocv.Merge([]gocv.Mat{sharpened, a, bChan}, &merged)
	sharpened.Close()

	reconverted := gocv.NewMat()
	gocv.CvtColor(merged, &reconverted, gocv.ColorLabToBGR)
	merged.Close()

	out := gocv.NewMat()
	gocv.ConvertScaleAbs(reconverted, &out, 1.0+nightContrastBoost, 0)
	reconverted.Close()
	return out
}

// applyLowLight: CLAHE clip 2.0; moderate brightness boost; light bilateral
// denoise; gentle sharpen.
func applyLowLight(bgr gocv.Mat) gocv.Mat {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	l, a, bChan := channels[0], channels[1], channels[2]
	defer a.Close()
	defer bChan.Close()

	clahe := gocv.NewCLAHEWithParams(2.0, image.Pt(8, 8))
	defer clahe.Close()
	claheOut := gocv.NewMat()
	clahe.Apply(l, &claheOut)
	l.Close()

	claheOut.AddUChar(uint8(255 * lowLightBrightnessBoost))

	denoised := gocv.NewMat()
	gocv.BilateralFilter(claheOut, &denoised, 5, 50, 50)
	claheOut.Close()

	sharpened := gocv.NewMat()
	gocv.Filter2D(denoised, &sharpened, gocv.MatType(-1), sharpenKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	denoised.Close()

	merged := gocv.NewMat()
	gocv.Merge([]gocv.Mat{sharpened, a, bChan}, &merged)
	sharpened.Close()

	out := gocv.NewMat()
	gocv.CvtColor(merged, &out, gocv.ColorLabToBGR)
	merged.Close()
	return out
}

// applyDay: YUV histogram equalization on Y; edge-enhancement blend;
// detail-preservation sharpen; mild contrast gain.
func applyDay(bgr gocv.Mat) gocv.Mat {
	yuv := gocv.NewMat()
	defer yuv.Close()
	gocv.CvtColor(bgr, &yuv, gocv.ColorBGRToYUV)

	channels := gocv.Split(yuv)
	y, u, v := channels[0], channels[1], channels[2]
	defer u.Close()
	defer v.Close()

	eqY := gocv.NewMat()
	gocv.EqualizeHist(y, &eqY)
	y.Close()

	mergedYUV := gocv.NewMat()
	gocv.Merge([]gocv.Mat{eqY, u, v}, &mergedYUV)
	eqY.Close()

	equalized := gocv.NewMat()
	gocv.CvtColor(mergedYUV, &equalized, gocv.ColorYUVToBGR)
	mergedYUV.Close()

	edgeEnhanced := gocv.NewMat()
	gocv.Filter2D(equalized, &edgeEnhanced, gocv.MatType(-1), edgeKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)

	withEdges := gocv.NewMat()
	gocv.AddWeighted(equalized, 1.0, edgeEnhanced, dayEdgeEnhancement, 0, &withEdges)
	equalized.Close()
	edgeEnhanced.Close()

	sharpened := gocv.NewMat()
	gocv.Filter2D(withEdges, &sharpened, gocv.MatType(-1), sharpenKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)

	withDetail := gocv.NewMat()
	gocv.AddWeighted(withEdges, 1.0, sharpened, dayDetailPreservation, 0, &withDetail)
	withEdges.Close()
	sharpened.Close()

	out := gocv.NewMat()
	gocv.ConvertScaleAbs(withDetail, &out, 1.0+dayContrastEnhancement, 0)
	withDetail.Close()
	return out
}

// applySecurity: CLAHE clip 2.5; edge kernel blended 0.8/0.2; sharpen;
// bilateral denoise; contrast 1.1, bias +5.
func applySecurity(bgr gocv.Mat) gocv.Mat {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	l, a, bChan := channels[0], channels[1], channels[2]
	defer a.Close()
	defer bChan.Close()

	clahe := gocv.NewCLAHEWithParams(2.5, image.Pt(8, 8))
	defer clahe.Close()
	claheOut := gocv.NewMat()
	clahe.Apply(l, &claheOut)
	l.Close()

	edgeEnhanced := gocv.NewMat()
	gocv.Filter2D(claheOut, &edgeEnhanced, gocv.MatType(-1), edgeKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)

	blended := gocv.NewMat()
	gocv.AddWeighted(claheOut, 0.8, edgeEnhanced, 0.2, 0, &blended)
	claheOut.Close()
	edgeEnhanced.Close()

	sharpened := gocv.NewMat()
	gocv.Filter2D(blended, &sharpened, gocv.MatType(-1), sharpenKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	blended.Close()

	denoised := gocv.NewMat()
	gocv.BilateralFilter(sharpened, &denoised, 7, 60, 60)
	sharpened.Close()

	merged := gocv.NewMat()
	gocv.Merge([]gocv.Mat{denoised, a, bChan}, &merged)
	denoised.Close()

	reconverted := gocv.NewMat()
	gocv.CvtColor(merged, &reconverted, gocv.ColorLabToBGR)
	merged.Close()

	out := gocv.NewMat()
	gocv.ConvertScaleAbs(reconverted, &out, 1.1, 5)
	reconverted.Close()
	return out
}

// applyGamma applies out = 255*(in/255)^g per channel via gocv.Pow, the
// same normalize-pow-rescale sequence as the reference's
// np.power(l/255.0, gamma) * 255.
func applyGamma(src gocv.Mat, g float64) gocv.Mat {
	normalized := gocv.NewMat()
	defer normalized.Close()
	src.ConvertToWithParams(&normalized, gocv.MatTypeCV32F, float32(1.0/255.0), 0)

	powered := gocv.NewMat()
	defer powered.Close()
	gocv.Pow(normalized, g, &powered)

	out := gocv.NewMat()
	powered.ConvertToWithParams(&out, gocv.MatTypeCV8U, 255.0, 0)
	return out
}

// matToNRGBA copies an enhanced BGR Mat back into an *image.NRGBA of the
// original frame's bounds; the ingest/processor pipeline carries opaque
// frames throughout, so alpha is always 255.
func matToNRGBA(m gocv.Mat, bounds image.Rectangle) (*image.NRGBA, error) {
	img, err := m.ToImage()
	if err != nil {
		return nil, err
	}
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, img, img.Bounds().Min, draw.Src)
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
