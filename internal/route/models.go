package route

// LocationPoint is one position on the route. ID stays empty until the point
// has been persisted; Timestamp is wall-clock milliseconds.
type LocationPoint struct {
	ID        string  `json:"id,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
	Address   string  `json:"address,omitempty"`
}
