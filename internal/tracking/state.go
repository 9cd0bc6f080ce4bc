package tracking

import (
	"slices"

	"backend-routetrack/internal/route"
)

// Kind names the variant a State holds.
type Kind string

const (
	KindIdle          Kind = "idle"
	KindLoading       Kind = "loading"
	KindTracking      Kind = "tracking"
	KindError         Kind = "error"
	KindAddressLoaded Kind = "address_loaded"
)

// State is the single observable value of a Controller. Kind selects which of
// the remaining fields are meaningful:
//
//	tracking:       IsTracking, CurrentLocation, Points
//	error:          Message
//	address_loaded: Latitude, Longitude, Address
//
// AddressLoaded is an overlay event keyed by coordinate; observers that need
// the route should keep the last tracking state they saw.
type State struct {
	Kind            Kind                  `json:"kind"`
	IsTracking      bool                  `json:"is_tracking"`
	CurrentLocation *route.LocationPoint  `json:"current_location,omitempty"`
	Points          []route.LocationPoint `json:"points,omitempty"`
	Message         string                `json:"message,omitempty"`
	Latitude        float64               `json:"latitude,omitempty"`
	Longitude       float64               `json:"longitude,omitempty"`
	Address         string                `json:"address,omitempty"`
}

// Idle is the state before anything has been loaded.
func Idle() State {
	return State{Kind: KindIdle}
}

// Loading is published while the stored route is read.
func Loading() State {
	return State{Kind: KindLoading}
}

// Tracking copies current and points so the state stays immutable once published.
func Tracking(isTracking bool, current *route.LocationPoint, points []route.LocationPoint) State {
	s := State{Kind: KindTracking, IsTracking: isTracking, Points: slices.Clone(points)}
	if current != nil {
		c := *current
		s.CurrentLocation = &c
	}
	return s
}

// Failed reports an error with a human readable message.
func Failed(message string) State {
	return State{Kind: KindError, Message: message}
}

// AddressLoaded carries the address resolved for one coordinate.
func AddressLoaded(lat, lon float64, address string) State {
	return State{Kind: KindAddressLoaded, Latitude: lat, Longitude: lon, Address: address}
}
