package domain

// Point is a normalized image coordinate; both axes are fractions in [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region is the region of interest polygon. An empty region means no
// region has been configured yet.
type Region []Point

// MinRegionPoints is the smallest polygon accepted as a region.
const MinRegionPoints = 3

func (r Region) Empty() bool { return len(r) == 0 }

// Clone returns an independent copy so snapshots never share backing arrays.
func (r Region) Clone() Region {
	if r == nil {
		return nil
	}
	out := make(Region, len(r))
	copy(out, r)
	return out
}

// Pairs flattens the region into [x, y] pairs, the shape inference backends expect.
func (r Region) Pairs() [][2]float64 {
	out := make([][2]float64, len(r))
	for i, p := range r {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

// Contains reports whether p lies inside the polygon (even-odd rule).
// An empty region covers the whole frame.
func (r Region) Contains(p Point) bool {
	if len(r) == 0 {
		return true
	}
	if len(r) < MinRegionPoints {
		return false
	}
	inside := false
	j := len(r) - 1
	for i := range r {
		a, b := r[i], r[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
