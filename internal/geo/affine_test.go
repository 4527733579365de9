package geo

import (
	"math"
	"testing"
)

const tol = 1e-9

func TestFitTransformTwoPointRoundTrip(t *testing.T) {
	pts := []Calibration{
		{PX: 100, PY: 50, Lat: 40.0, Lng: -74.0},
		{PX: 900, PY: 750, Lat: 40.01, Lng: -73.99},
	}
	tr := FitTransform(pts, 1000, 800)
	if tr == nil {
		t.Fatal("expected a transform")
	}
	for _, p := range pts {
		got := tr(p.Lat, p.Lng)
		wantX := p.PX / 1000
		wantY := p.PY / 800
		if math.Abs(got.X-wantX) > tol || math.Abs(got.Y-wantY) > tol {
			t.Fatalf("round trip: got (%v,%v), want (%v,%v)", got.X, got.Y, wantX, wantY)
		}
	}
}

func TestFitTransformTwoPointDegenerate(t *testing.T) {
	sameLng := []Calibration{
		{PX: 0, PY: 0, Lat: 40.0, Lng: -74.0},
		{PX: 500, PY: 500, Lat: 40.01, Lng: -74.0},
	}
	if FitTransform(sameLng, 1000, 800) != nil {
		t.Fatal("identical longitudes should not produce a transform")
	}
	sameLat := []Calibration{
		{PX: 0, PY: 0, Lat: 40.0, Lng: -74.0},
		{PX: 500, PY: 500, Lat: 40.0, Lng: -73.99},
	}
	if FitTransform(sameLat, 1000, 800) != nil {
		t.Fatal("identical latitudes should not produce a transform")
	}
}

func TestFitTransformInsufficient(t *testing.T) {
	if FitTransform(nil, 1000, 800) != nil {
		t.Fatal("no points should not produce a transform")
	}
	one := []Calibration{{PX: 1, PY: 1, Lat: 40, Lng: -74}}
	if FitTransform(one, 1000, 800) != nil {
		t.Fatal("one point should not produce a transform")
	}
}

func TestFitTransformLeastSquaresExact(t *testing.T) {
	// synthetic points on a true affine map; small integer coordinates keep
	// the normal-equations solve exact enough for a tight tolerance
	affine := func(lat, lng float64) (float64, float64) {
		return 30*lng + 10*lat + 100, -5*lng + 40*lat + 200
	}
	coords := []struct{ lat, lng float64 }{
		{0, 0},
		{1, 2},
		{3, 1},
		{2, 3},
	}
	pts := make([]Calibration, 0, len(coords))
	for _, c := range coords {
		px, py := affine(c.lat, c.lng)
		pts = append(pts, Calibration{PX: px, PY: py, Lat: c.lat, Lng: c.lng})
	}
	tr := FitTransform(pts, 1000, 800)
	if tr == nil {
		t.Fatal("expected a transform")
	}
	for _, p := range pts {
		got := tr(p.Lat, p.Lng)
		if math.Abs(got.X-p.PX/1000) > tol || math.Abs(got.Y-p.PY/800) > tol {
			t.Fatalf("least squares did not reproduce (%v,%v): got (%v,%v)", p.PX/1000, p.PY/800, got.X, got.Y)
		}
	}
}

func TestFitTransformSingular(t *testing.T) {
	dup := []Calibration{
		{PX: 10, PY: 10, Lat: 4, Lng: -2},
		{PX: 10, PY: 10, Lat: 4, Lng: -2},
		{PX: 10, PY: 10, Lat: 4, Lng: -2},
	}
	if FitTransform(dup, 1000, 800) != nil {
		t.Fatal("identical points should not produce a transform")
	}
	// lat is a linear function of lng, so the lng/lat/1 columns are dependent
	collinear := []Calibration{
		{PX: 0, PY: 0, Lat: 2, Lng: 0},
		{PX: 100, PY: 100, Lat: 3, Lng: 1},
		{PX: 200, PY: 200, Lat: 4, Lng: 2},
	}
	if FitTransform(collinear, 1000, 800) != nil {
		t.Fatal("collinear points should not produce a transform")
	}
}

func TestMapFix(t *testing.T) {
	pts := []Calibration{
		{PX: 0, PY: 0, Lat: 40.01, Lng: -74.0},
		{PX: 1000, PY: 800, Lat: 40.0, Lng: -73.99},
	}
	tr := FitTransform(pts, 1000, 800)
	if tr == nil {
		t.Fatal("expected a transform")
	}
	if p, ok := MapFix(tr, 40.005, -73.995); !ok {
		t.Fatalf("center fix should map: %+v", p)
	}
	// far outside the calibrated footprint
	if _, ok := MapFix(tr, 41.0, -73.0); ok {
		t.Fatal("far-off fix should not map")
	}
	if _, ok := MapFix(nil, 40.005, -73.995); ok {
		t.Fatal("nil transform should not map")
	}
}
