package tracker

import (
	"image"
	"sort"

	hg "github.com/charles-haynes/munkres"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Pair links a row (existing object) to a column (new centroid) of a distance matrix.
type Pair struct {
	Row int
	Col int
}

// Matcher assigns new centroids to existing objects given their pairwise distances.
// Implementations must not claim a row or a column twice.
type Matcher interface {
	Match(dist *mat.Dense) []Pair
}

// MatcherByName returns the matcher registered under name. An empty name selects Greedy.
func MatcherByName(name string) (Matcher, bool) {
	switch name {
	case "", "greedy":
		return Greedy{}, true
	case "hungarian":
		return Hungarian{}, true
	default:
		return nil, false
	}
}

// DistanceMatrix computes the Euclidean distance between every pair of (from, to) points.
// Rows follow from and columns follow to. Both slices must be non-empty.
func DistanceMatrix(from, to []image.Point) *mat.Dense {
	dist := mat.NewDense(len(from), len(to), nil)
	a, b := make([]float64, 2), make([]float64, 2)
	for i, p := range from {
		a[0], a[1] = float64(p.X), float64(p.Y)
		for j, q := range to {
			b[0], b[1] = float64(q.X), float64(q.Y)
			dist.Set(i, j, floats.Distance(a, b, 2))
		}
	}
	return dist
}

// Greedy walks rows ordered by their smallest distance and gives each row its nearest
// column unless that column is already taken. It is not an optimal assignment: it
// relies on objects moving a short distance between consecutive frames.
type Greedy struct{}

// Match implements Matcher.
func (Greedy) Match(dist *mat.Dense) []Pair {
	rows, cols := dist.Dims()
	rowMin := make([]float64, rows)
	nearest := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := dist.RawRowView(i)
		nearest[i] = floats.MinIdx(row)
		rowMin[i] = row[nearest[i]]
	}
	order := make([]int, rows)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rowMin[order[a]] < rowMin[order[b]] })

	usedRows := make([]bool, rows)
	usedCols := make([]bool, cols)
	pairs := make([]Pair, 0, min(rows, cols))
	for _, r := range order {
		c := nearest[r]
		if usedRows[r] || usedCols[c] {
			continue
		}
		usedRows[r], usedCols[c] = true, true
		pairs = append(pairs, Pair{Row: r, Col: c})
	}
	return pairs
}

// Hungarian solves the assignment that minimizes total distance, via Munkres' method.
type Hungarian struct{}

// Match implements Matcher.
func (Hungarian) Match(dist *mat.Dense) []Pair {
	rows, _ := dist.Dims()
	costs := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		costs[i] = append([]float64(nil), dist.RawRowView(i)...)
	}
	HA, err := hg.NewHungarianAlgorithm(costs)
	if err != nil {
		// fall back rather than leave every object unmatched
		return Greedy{}.Match(dist)
	}
	matches := HA.Execute()
	pairs := make([]Pair, 0, len(matches))
	for row, col := range matches {
		if col < 0 {
			continue
		}
		pairs = append(pairs, Pair{Row: row, Col: col})
	}
	return pairs
}
