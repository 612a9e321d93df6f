package geometry

// Geometry is a renderable shape whose identity survives simplification.
type Geometry interface {
	GeometryID() string
	simplify(tolerance float64) (Geometry, bool)
}

// Polyline is an ordered sequence of points.
type Polyline struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
}

// GeometryID returns the identity inherited from the source feature.
func (line Polyline) GeometryID() string {
	return line.ID
}

// Simplify reduces point density at the given tolerance.
func (line Polyline) Simplify(tolerance float64) Polyline {
	return Polyline{ID: line.ID, Points: SimplifyPoints(line.Points, tolerance)}
}

func (line Polyline) simplify(tolerance float64) (Geometry, bool) {
	return line.Simplify(tolerance), true
}

// Polygon is an ordered sequence of rings; each ring is simplified independently.
type Polygon struct {
	ID    string    `json:"id"`
	Rings [][]Point `json:"rings"`
}

// GeometryID returns the identity inherited from the source feature.
func (polygon Polygon) GeometryID() string {
	return polygon.ID
}

// Simplify reduces every ring and drops rings left with fewer than three points.
// The boolean is false when no ring survives.
func (polygon Polygon) Simplify(tolerance float64) (Polygon, bool) {
	rings := make([][]Point, 0, len(polygon.Rings))
	for _, ring := range polygon.Rings {
		simplified := SimplifyPoints(ring, tolerance)
		if len(simplified) < minRingPoints {
			continue
		}
		rings = append(rings, simplified)
	}
	return Polygon{ID: polygon.ID, Rings: rings}, len(rings) > 0
}

func (polygon Polygon) simplify(tolerance float64) (Geometry, bool) {
	return polygon.Simplify(tolerance)
}

// ProduceSimplified reduces every geometry to the detail appropriate for zoom.
// Polygons that lose all of their rings are omitted from the result.
func ProduceSimplified(geometries []Geometry, zoom float64) []Geometry {
	tolerance := ToleranceForZoom(zoom)
	simplified := make([]Geometry, 0, len(geometries))
	for _, geometry := range geometries {
		if geometry == nil {
			continue
		}
		reduced, ok := geometry.simplify(tolerance)
		if !ok {
			continue
		}
		simplified = append(simplified, reduced)
	}
	return simplified
}
