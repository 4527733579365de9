package geo

import "testing"

func TestPointInPolygonSquare(t *testing.T) {
	square := []Point{{0, 0}, {0, 10}, {10, 10}, {10, 0}}
	if !PointInPolygon(Point{5, 5}, square) {
		t.Fatal("(5,5) should be inside the square")
	}
	if PointInPolygon(Point{15, 15}, square) {
		t.Fatal("(15,15) should be outside the square")
	}
	if PointInPolygon(Point{-1, 5}, square) {
		t.Fatal("(-1,5) should be outside the square")
	}
	// edge-exact points are unspecified; the call just must not panic
	_ = PointInPolygon(Point{0, 5}, square)
	_ = PointInPolygon(Point{10, 10}, square)
}

func TestPointInPolygonDegenerate(t *testing.T) {
	if PointInPolygon(Point{0, 0}, nil) {
		t.Fatal("empty polygon contains nothing")
	}
	seg := []Point{{0, 0}, {10, 10}}
	if PointInPolygon(Point{5, 5}, seg) {
		t.Fatal("two-vertex polygon contains nothing")
	}
}

func TestPointInPolygonConcave(t *testing.T) {
	// L shape: the notch at the upper right is outside
	l := []Point{{0, 0}, {10, 0}, {10, 5}, {5, 5}, {5, 10}, {0, 10}}
	if !PointInPolygon(Point{2, 8}, l) {
		t.Fatal("(2,8) is in the vertical arm")
	}
	if PointInPolygon(Point{8, 8}, l) {
		t.Fatal("(8,8) is in the notch")
	}
	if !PointInPolygon(Point{8, 2}, l) {
		t.Fatal("(8,2) is in the horizontal arm")
	}
}

func TestContainsLatLng(t *testing.T) {
	// vertices as X=lng, Y=lat around a courtyard
	poly := []Point{{-74.01, 40.00}, {-74.01, 40.02}, {-73.99, 40.02}, {-73.99, 40.00}}
	if !ContainsLatLng(poly, 40.01, -74.0) {
		t.Fatal("center should be inside")
	}
	if ContainsLatLng(poly, 40.05, -74.0) {
		t.Fatal("north of the polygon should be outside")
	}
}
