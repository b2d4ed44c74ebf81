package attributes

import (
	"encoding/json"
	"math"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
)

// Shared attribute keys published by the platform operator.
const (
	KeyEnabled = "detectionEnabled"
	KeyRegion  = "detectionBounds"
)

// Client attribute keys reported by the device.
const (
	KeyConfigured = "configured"
	KeyDetecting  = "detecting"
)

// ValidateEnabled accepts only a strict boolean. Anything else yields
// (false, false).
func ValidateEnabled(raw any) (enabled bool, valid bool) {
	b, ok := raw.(bool)
	if !ok {
		return false, false
	}
	return b, true
}

// ValidateRegion accepts a list of at least three {x, y} points with both
// coordinates in [0,1], or the empty object meaning "no region yet". Every
// other shape is invalid and yields an empty region.
func ValidateRegion(raw any) (domain.Region, bool) {
	switch v := raw.(type) {
	case map[string]any:
		if len(v) == 0 {
			return domain.Region{}, true
		}
		return domain.Region{}, false
	case []any:
		if len(v) < domain.MinRegionPoints {
			return domain.Region{}, false
		}
		out := make(domain.Region, 0, len(v))
		for _, item := range v {
			p, ok := parsePoint(item)
			if !ok {
				return domain.Region{}, false
			}
			out = append(out, p)
		}
		return out, true
	default:
		return domain.Region{}, false
	}
}

func parsePoint(raw any) (domain.Point, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return domain.Point{}, false
	}
	x, ok := unitFloat(m["x"])
	if !ok {
		return domain.Point{}, false
	}
	y, ok := unitFloat(m["y"])
	if !ok {
		return domain.Point{}, false
	}
	return domain.Point{X: x, Y: y}, true
}

func unitFloat(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}
