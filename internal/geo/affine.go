// Package geo holds the floor-plan calibration and zone classification math.
package geo

import "math"

// Point is a position in normalized image space: fractions of the floor
// plan's natural width and height. Values outside [0,1] mean the mapped
// GPS fix falls outside the calibrated image footprint.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Calibration pairs a pixel on a floor plan image with a GPS coordinate.
type Calibration struct {
	PX, PY   float64 // pixel position in the image's natural size
	Lat, Lng float64
}

// Transform maps a GPS coordinate to normalized image fractions.
type Transform func(lat, lng float64) Point

const (
	// two-point scale denominators below this are treated as degenerate
	epsScale = 1e-10
	// pivots below this make the least-squares system singular
	epsPivot = 1e-12
)

// FitTransform fits a GPS-to-image transform from calibration points and the
// image's natural pixel dimensions. It returns nil when no valid transform
// exists: fewer than two points, zero dimensions, degenerate two-point input
// (shared latitude or longitude), or a singular least-squares system
// (duplicate or collinear points).
//
// Exactly two points fit independent per-axis linear scales; three or more
// fit a full six-parameter affine map by least squares. The two models do
// not agree in general and are deliberately kept separate.
func FitTransform(points []Calibration, widthPx, heightPx float64) Transform {
	if len(points) < 2 || widthPx <= 0 || heightPx <= 0 {
		return nil
	}
	if len(points) == 2 {
		return fitTwoPoint(points[0], points[1], widthPx, heightPx)
	}
	return fitLeastSquares(points, widthPx, heightPx)
}

// fitTwoPoint builds per-axis scales directly from the two points: longitude
// drives X, latitude drives Y, no shear.
func fitTwoPoint(p1, p2 Calibration, w, h float64) Transform {
	dLng := p2.Lng - p1.Lng
	dLat := p2.Lat - p1.Lat
	if math.Abs(dLng) < epsScale || math.Abs(dLat) < epsScale {
		return nil
	}
	scaleX := (p2.PX - p1.PX) / dLng
	scaleY := (p2.PY - p1.PY) / dLat
	return func(lat, lng float64) Point {
		px := p1.PX + (lng-p1.Lng)*scaleX
		py := p1.PY + (lat-p1.Lat)*scaleY
		return Point{X: px / w, Y: py / h}
	}
}

// fitLeastSquares solves the normal equations for the affine coefficients
// (a,b,c) with px = a*lng + b*lat + c and (d,e,f) with py = d*lng + e*lat + f.
func fitLeastSquares(points []Calibration, w, h float64) Transform {
	var sLng, sLat, sLng2, sLat2, sLngLat float64
	var sPxLng, sPxLat, sPx float64
	var sPyLng, sPyLat, sPy float64
	for _, p := range points {
		sLng += p.Lng
		sLat += p.Lat
		sLng2 += p.Lng * p.Lng
		sLat2 += p.Lat * p.Lat
		sLngLat += p.Lng * p.Lat
		sPxLng += p.PX * p.Lng
		sPxLat += p.PX * p.Lat
		sPx += p.PX
		sPyLng += p.PY * p.Lng
		sPyLat += p.PY * p.Lat
		sPy += p.PY
	}
	n := float64(len(points))
	m := [3][3]float64{
		{sLng2, sLngLat, sLng},
		{sLngLat, sLat2, sLat},
		{sLng, sLat, n},
	}
	abc, ok := solve3(m, [3]float64{sPxLng, sPxLat, sPx})
	if !ok {
		return nil
	}
	def, ok := solve3(m, [3]float64{sPyLng, sPyLat, sPy})
	if !ok {
		return nil
	}
	return func(lat, lng float64) Point {
		px := abc[0]*lng + abc[1]*lat + abc[2]
		py := def[0]*lng + def[1]*lat + def[2]
		return Point{X: px / w, Y: py / h}
	}
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting. ok is false when the system is singular.
func solve3(m [3][3]float64, rhs [3]float64) ([3]float64, bool) {
	// augmented matrix
	var a [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = m[i][j]
		}
		a[i][3] = rhs[i]
	}
	for col := 0; col < 3; col++ {
		// largest-magnitude pivot in the remaining column
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if pivot != col {
			a[col], a[pivot] = a[pivot], a[col]
		}
		if math.Abs(a[col][col]) < epsPivot {
			return [3]float64{}, false
		}
		for r := col + 1; r < 3; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < 4; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	var x [3]float64
	for i := 2; i >= 0; i-- {
		v := a[i][3]
		for j := i + 1; j < 3; j++ {
			v -= a[i][j] * x[j]
		}
		x[i] = v / a[i][i]
	}
	return x, true
}

// mapTolerance is the margin beyond the image bounds within which a mapped
// fix still counts as placeable.
const mapTolerance = 0.1

// MapFix converts a live GPS fix to a display position. ok is false when the
// transform is nil or the result lies outside [-0.1, 1.1] on either axis;
// callers must render a fallback marker instead of clamping, so operators
// are not shown a worker as on-premises when the fix is off the plan.
func MapFix(t Transform, lat, lng float64) (Point, bool) {
	if t == nil {
		return Point{}, false
	}
	p := t(lat, lng)
	if p.X < -mapTolerance || p.X > 1+mapTolerance || p.Y < -mapTolerance || p.Y > 1+mapTolerance {
		return p, false
	}
	return p, true
}
