package models

// RideStatus is the server-owned lifecycle state of a ride.
type RideStatus string

const (
	StatusSearching RideStatus = "SEARCHING"
	// StatusStart means a fulfiller is assigned and en route to pickup.
	StatusStart     RideStatus = "START"
	StatusArrived   RideStatus = "ARRIVED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
	StatusTimeout   RideStatus = "TIMEOUT"
)

func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s RideStatus) Known() bool { return s.rank() >= 0 }

func (s RideStatus) rank() int {
	switch s {
	case StatusSearching:
		return 0
	case StatusStart:
		return 1
	case StatusArrived:
		return 2
	case StatusCompleted, StatusCancelled, StatusTimeout:
		return 3
	}
	return -1
}

// Advances reports whether moving from s to next respects the partial order.
// Same-status refreshes are allowed; regressions and terminal-to-terminal
// changes are not.
func (s RideStatus) Advances(next RideStatus) bool {
	if !next.Known() {
		return false
	}
	if !s.Known() {
		return true
	}
	if s.Terminal() {
		return s == next
	}
	return next.rank() >= s.rank()
}
