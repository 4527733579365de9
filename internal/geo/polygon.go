package geo

// PointInPolygon reports whether pt lies inside the polygon using the
// standard ray-casting test: a horizontal ray from pt toward +X toggles
// inside/outside at each edge crossing. Polygons are assumed simple;
// behavior for self-intersecting input is unspecified. Points exactly on an
// edge may classify either way. Fewer than three vertices contains nothing.
func PointInPolygon(pt Point, poly []Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		yi, yj := poly[i].Y, poly[j].Y
		if (yi > pt.Y) != (yj > pt.Y) {
			xCross := poly[i].X + (pt.Y-yi)/(yj-yi)*(poly[j].X-poly[i].X)
			if pt.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// ContainsLatLng runs the polygon test in GPS space, with vertices stored as
// X=longitude, Y=latitude.
func ContainsLatLng(poly []Point, lat, lng float64) bool {
	return PointInPolygon(Point{X: lng, Y: lat}, poly)
}
