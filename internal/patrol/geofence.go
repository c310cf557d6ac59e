package patrol

import "math"

// ProximityThreshold is the geofence radius in degrees (about 11 m at the
// equator). A sample exactly on the boundary does not count as arrival.
const ProximityThreshold = 0.0001

// PlanarDistance is the Euclidean distance between two coordinates in
// degree space. It is only meaningful at the scale of a single site: the
// threshold above was chosen against this metric, and switching to a
// geodesic distance would change the effective radius.
func PlanarDistance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := lat1 - lat2
	dLng := lng1 - lng2
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// Within reports whether sample p lies inside the geofence of checkpoint c.
func Within(c Checkpoint, p GeoSample) bool {
	return PlanarDistance(c.Lat, c.Lng, p.Lat, p.Lng) < ProximityThreshold
}
