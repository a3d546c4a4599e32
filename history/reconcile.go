package history

import (
	"context"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
)

// Walk lazily yields every .jpg file under root, recursively. Ranging over the result
// again restarts the walk. Unreadable entries are skipped.
func Walk(root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), extension) {
				return nil
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Reconcile counts how often each object id appears across tracking mode artifact
// names. Paths that do not parse are ignored.
func Reconcile(paths iter.Seq[string]) map[int]int {
	counts := make(map[int]int)
	for path := range paths {
		counts = fold(counts, path)
	}
	return counts
}

func fold(counts map[int]int, path string) map[int]int {
	a, err := ParseArtifactName(filepath.Base(path))
	if err != nil || a.Mode != TrackingMode {
		return counts
	}
	for _, id := range a.IDs {
		counts[id]++
	}
	return counts
}

// Merge adds the counts of src into dst and returns dst.
func Merge(dst, src map[int]int) map[int]int {
	for id, n := range src {
		dst[id] += n
	}
	return dst
}

// NextStartID returns one past the highest id in counts, or 1 when counts is empty.
// Retired ids count too: the result is above every id ever written.
func NextStartID(counts map[int]int) int {
	if len(counts) == 0 {
		return 1
	}
	highest := 0
	for id := range counts {
		highest = max(highest, id)
	}
	return highest + 1
}

// Recover folds the artifact tree under root and, when j is not nil, the journal into a
// single id count.
func Recover(ctx context.Context, root string, j *Journal) (map[int]int, error) {
	counts := Reconcile(Walk(root))
	if j == nil {
		return counts, nil
	}
	logged, err := j.Counts(ctx)
	if err != nil {
		return counts, err
	}
	return Merge(counts, logged), nil
}
