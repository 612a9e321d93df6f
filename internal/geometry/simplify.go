package geometry

import "math"

const (
	minZoom       = 0
	maxZoom       = 21
	tileSizePx    = 256
	minRingPoints = 3
)

// pixelBudgetStep maps an inclusive upper zoom bound to the deviation allowed, in screen pixels.
type pixelBudgetStep struct {
	maxZoom  float64
	budgetPx float64
}

// Non-increasing in zoom; lower zoom levels tolerate more deviation.
var pixelBudgetSteps = []pixelBudgetStep{
	{maxZoom: 5, budgetPx: 4},
	{maxZoom: 8, budgetPx: 2.5},
	{maxZoom: 11, budgetPx: 1.5},
	{maxZoom: 14, budgetPx: 1},
}

const finestBudgetPx = 0.5

// Point is a planar (longitude, latitude) coordinate in degrees.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// ToleranceForZoom converts a map zoom level into a simplification tolerance in degrees.
func ToleranceForZoom(zoom float64) float64 {
	clamped := clampZoom(zoom)
	degreesPerPixel := 360 / (tileSizePx * math.Pow(2, clamped))
	return degreesPerPixel * pixelBudget(clamped)
}

func clampZoom(zoom float64) float64 {
	if math.IsNaN(zoom) {
		return minZoom
	}
	return math.Min(math.Max(zoom, minZoom), maxZoom)
}

func pixelBudget(zoom float64) float64 {
	for _, step := range pixelBudgetSteps {
		if zoom <= step.maxZoom {
			return step.budgetPx
		}
	}
	return finestBudgetPx
}

type indexRange struct {
	first int
	last  int
}

// SimplifyPoints runs Douglas–Peucker over the sequence and returns the retained points.
// Sequences shorter than three points are returned unchanged; the first and last point are always kept.
func SimplifyPoints(points []Point, tolerance float64) []Point {
	if len(points) < 3 {
		return points
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true

	stack := []indexRange{{first: 0, last: len(points) - 1}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current.last-current.first < 2 {
			continue
		}

		farthestIndex := -1
		farthestDistance := -1.0
		for index := current.first + 1; index < current.last; index++ {
			distance := perpendicularDistance(points[index], points[current.first], points[current.last])
			if distance > farthestDistance {
				farthestDistance = distance
				farthestIndex = index
			}
		}

		if farthestDistance > tolerance {
			keep[farthestIndex] = true
			stack = append(stack,
				indexRange{first: current.first, last: farthestIndex},
				indexRange{first: farthestIndex, last: current.last},
			)
		}
	}

	retained := make([]Point, 0, len(points))
	for index, point := range points {
		if keep[index] {
			retained = append(retained, point)
		}
	}
	return retained
}

// perpendicularDistance measures the distance from point to the line through start and end.
// A zero-length chord (closed ring anchors) degrades to point-to-point distance.
func perpendicularDistance(point, start, end Point) float64 {
	deltaX := end.Lng - start.Lng
	deltaY := end.Lat - start.Lat
	chordLength := math.Hypot(deltaX, deltaY)
	if chordLength == 0 {
		return math.Hypot(point.Lng-start.Lng, point.Lat-start.Lat)
	}
	return math.Abs(deltaY*point.Lng-deltaX*point.Lat+end.Lng*start.Lat-end.Lat*start.Lng) / chordLength
}
