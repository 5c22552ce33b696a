package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Directory layout under the recordings root (spec §6 "Persisted state
// layout"): YYYY_MM/YYYYMMDD/HH/{complete_hours,partial_segments,merged_videos}.
type hourPath struct {
	root           string
	completeHours  string
	partialSegs    string
	mergedVideos   string
	isFallback     bool
}

func hourDirName(t time.Time) (monthDir, dayDir, hourDir string) {
	return t.Format("2006_01"), t.Format("20060102"), t.Format("15")
}

// resolveHourPath creates the hour directory and its three subdirectories,
// falling back to {root}/fallback/YYYYMMDD_HHMM and finally the current
// working directory on mkdir failure (spec §4.11 "Directory selection").
func resolveHourPath(root string, t time.Time) hourPath {
	monthDir, dayDir, hourDir := hourDirName(t)
	base := filepath.Join(root, monthDir, dayDir, hourDir)
	if hp, ok := tryMakeHourPath(base, false); ok {
		return hp
	}

	fallback := filepath.Join(root, "fallback", t.Format("20060102_1504"))
	if hp, ok := tryMakeHourPath(fallback, true); ok {
		return hp
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	last := filepath.Join(cwd, "camwatch_recordings_fallback", t.Format("20060102_1504"))
	hp, _ := tryMakeHourPath(last, true)
	return hp
}

func tryMakeHourPath(base string, isFallback bool) (hourPath, bool) {
	complete := filepath.Join(base, "complete_hours")
	partial := filepath.Join(base, "partial_segments")
	merged := filepath.Join(base, "merged_videos")
	for _, dir := range []string{complete, partial, merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return hourPath{}, false
		}
	}
	return hourPath{
		root:          base,
		completeHours: complete,
		partialSegs:   partial,
		mergedVideos:  merged,
		isFallback:    isFallback,
	}, true
}

func completeSegmentName(t time.Time, n int) string {
	return fmt.Sprintf("complete_%s_%02d.mp4", t.Format("150405"), n)
}

func partialSegmentName(t time.Time, n int) string {
	return fmt.Sprintf("partial_%s_%02d.mp4", t.Format("150405"), n)
}

func mergedVideoName(hour time.Time, epoch int64) string {
	return fmt.Sprintf("merged_%s00_%d.mp4", hour.Format("15"), epoch)
}

func completeHourName(t time.Time) string {
	return fmt.Sprintf("complete_hour_%s0000.mp4", t.Format("20060102_15"))
}
