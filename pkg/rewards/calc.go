package rewards

import (
	"math"
	"strings"
)

const (
	multiplierRun   = 2.0
	multiplierRide  = 0.5
	multiplierOther = 1.0

	metersPerKilometer = 1000.0
)

// ClassifyActivityType maps a raw fitness-service type onto the fixed
// taxonomy. Matching is case-insensitive substring; anything unmatched is
// classified as other.
func ClassifyActivityType(raw string) ActivityType {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(lowered, "run") || lowered == "running":
		return ActivityRun
	case strings.Contains(lowered, "ride") || strings.Contains(lowered, "bike") || lowered == "cycling":
		return ActivityRide
	case strings.Contains(lowered, "walk") || lowered == "walking":
		return ActivityWalk
	case strings.Contains(lowered, "hike") || lowered == "hiking":
		return ActivityHike
	default:
		return ActivityOther
	}
}

// CurrencyForActivity computes the coins awarded for one activity:
// floor(distance_km * 10 * type multiplier). Distance arrives in meters.
func CurrencyForActivity(distanceMeters float64, rawType string) int64 {
	if distanceMeters <= 0 {
		return 0
	}
	multiplier := multiplierOther
	switch ClassifyActivityType(rawType) {
	case ActivityRun:
		multiplier = multiplierRun
	case ActivityRide:
		multiplier = multiplierRide
	}
	distanceKilometers := distanceMeters / metersPerKilometer
	return int64(math.Floor(distanceKilometers * CoinsPerKilometer * multiplier))
}

// MapThumbnailURL derives a static-map preview URL from a stored route
// polyline. Returns empty when either input is missing.
func MapThumbnailURL(polyline string, size string, apiKey string) string {
	if polyline == "" || apiKey == "" {
		return ""
	}
	if size == "" {
		size = "200x120"
	}
	return "https://maps.googleapis.com/maps/api/staticmap?size=" + size +
		"&path=color:0xff6b35ff|weight:3|enc:" + polyline +
		"&key=" + apiKey + "&maptype=roadmap&format=png"
}
