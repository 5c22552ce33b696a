package recorder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}

// minMergeFileSizeBytes excludes partials too small to be worth folding in,
// mirroring _merge_video_files's 100KB valid_files filter.
const minMergeFileSizeBytes = 100 * 1024

// mergeOnDiskPartials scans a partial_segments directory and, when the
// combined span of files sharing an hour-key reaches 58 minutes, concatenates
// them into a single complete_hour_YYYYMMDD_HH0000.mp4 in completeDir (spec
// §4.11 "A separate on-disk merge path"). It returns the number of hour
// groups merged.
//
// Concatenation goes through run (ffmpeg's concat demuxer, stream copy) so
// every qualifying partial's footage survives into the merged file, the Go
// equivalent of the reference server's decode-and-rewrite _merge_video_files:
// it does not discard any segment's frames the way renaming a single
// "newest" file would.
func mergeOnDiskPartials(ctx context.Context, run mergeRunner, partialDir, completeDir string, now time.Time) (int, error) {
	if partialDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(partialDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	const mergeThreshold = 58 * time.Minute
	groups := map[string][]fs.DirEntry{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hourKey := hourKeyFromFilename(e.Name())
		if hourKey == "" {
			continue
		}
		groups[hourKey] = append(groups[hourKey], e)
	}

	// Each hour group merges to an independent destination file, so the
	// groups are processed concurrently (bounded by GOMAXPROCS) rather than
	// one at a time; this is plain parallel I/O dispatched synchronously
	// by a caller that holds the recorder mutex (Run's force-merge command
	// or the merge ticker), not a background task of its own, and it
	// touches only files, not recorder state.
	var merged atomic.Int64
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(maxInt(1, runtime.GOMAXPROCS(0)))

	for hourKey, files := range groups {
		hourKey, files := hourKey, files
		group.Go(func() error {
			var valid []fs.DirEntry
			totalSize := int64(0)
			for _, f := range files {
				info, err := f.Info()
				if err != nil {
					continue
				}
				if info.Size() < minMergeFileSizeBytes {
					continue
				}
				valid = append(valid, f)
				totalSize += info.Size()
			}
			if estimateDurationFromSize(totalSize) < mergeThreshold {
				return nil
			}
			if len(valid) < 2 {
				return nil
			}
			sort.Slice(valid, func(i, j int) bool { return valid[i].Name() < valid[j].Name() })

			hourTime, err := time.ParseInLocation("20060102_15", hourKey, now.Location())
			if err != nil {
				return nil
			}
			dest := filepath.Join(completeDir, completeHourName(hourTime))

			inputs := make([]string, len(valid))
			for i, f := range valid {
				inputs[i] = filepath.Join(partialDir, f.Name())
			}
			if err := run(ctx, inputs, dest); err != nil {
				return nil
			}
			for _, p := range inputs {
				_ = os.Remove(p)
			}
			merged.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(merged.Load()), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func hourKeyFromFilename(name string) string {
	parts := strings.SplitN(strings.TrimSuffix(name, filepath.Ext(name)), "_", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "_" + parts[1]
}

func estimateDurationFromSize(sizeBytes int64) time.Duration {
	pixelsPerFrame := float64(outputWidth * outputHeight * 3)
	bytesPerFrame := pixelsPerFrame * estimatedBytesPerPixelPerFrameFactor / 1024
	if bytesPerFrame <= 0 {
		return 0
	}
	frames := float64(sizeBytes) / bytesPerFrame
	seconds := frames / float64(DefaultRecordingFPS)
	return time.Duration(seconds * float64(time.Second))
}

// cleanupUndersizedFiles walks root and removes any .mp4 file below
// minSizeBytes (spec §4.12 "cleanup tiny videos" operator action).
func cleanupUndersizedFiles(root string, minSizeBytes int64) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".mp4" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() < minSizeBytes {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return removed, nil
	}
	return removed, err
}

// sweepRetention deletes files older than retentionDays and removes empty
// directories bottom-up (spec §4.11 "Retention").
func sweepRetention(root string, retentionDays int, now time.Time) error {
	cutoff := now.AddDate(0, 0, -retentionDays)

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if dir == root {
			continue
		}
		_ = os.Remove(dir) // no-op unless empty
	}
	return nil
}
