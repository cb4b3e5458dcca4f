package models

// allowedTransitions encodes the trip state flow. Backward moves are
// never allowed; CANCELLED and UNFULFILLED are the only escapes.
var allowedTransitions = map[TripStatus][]TripStatus{
	TripInitiated:      {TripSearching, TripCancelled},
	TripScheduled:      {TripSearching},
	TripSearching:      {TripDriverAssigned, TripUnfulfilled, TripCancelled},
	TripDriverAssigned: {TripArrived, TripCancelled},
	TripArrived:        {TripInProgress},
	TripInProgress:     {TripCompleted},
	TripCompleted:      {TripSettled},
}

func CanTransition(from, to TripStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a requester-initiated cancellation is
// still permitted from the given status.
func Cancellable(s TripStatus) bool {
	switch s {
	case TripInitiated, TripSearching, TripDriverAssigned:
		return true
	}
	return false
}

// Assigned reports whether the status implies a non-empty DriverID.
func Assigned(s TripStatus) bool {
	switch s {
	case TripDriverAssigned, TripArrived, TripInProgress, TripCompleted, TripSettled:
		return true
	}
	return false
}

// Terminal reports whether the trip can make no further progress.
func Terminal(s TripStatus) bool {
	switch s {
	case TripSettled, TripCancelled, TripUnfulfilled:
		return true
	}
	return false
}
