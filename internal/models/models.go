package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type VehicleClass string

const (
	ClassHatchback VehicleClass = "HATCHBACK"
	ClassSedan     VehicleClass = "SEDAN"
	ClassSUV       VehicleClass = "SUV"
	ClassBike      VehicleClass = "BIKE"
)

func KnownVehicleClass(c VehicleClass) bool {
	switch c {
	case ClassHatchback, ClassSedan, ClassSUV, ClassBike:
		return true
	}
	return false
}

type TripStatus string

const (
	TripInitiated      TripStatus = "INITIATED"
	TripScheduled      TripStatus = "SCHEDULED"
	TripSearching      TripStatus = "SEARCHING"
	TripDriverAssigned TripStatus = "DRIVER_ASSIGNED"
	TripArrived        TripStatus = "ARRIVED"
	TripInProgress     TripStatus = "IN_PROGRESS"
	TripCompleted      TripStatus = "COMPLETED"
	TripSettled        TripStatus = "SETTLED"
	TripCancelled      TripStatus = "CANCELLED"
	TripUnfulfilled    TripStatus = "UNFULFILLED"
)

type OfferStatus string

const (
	OfferPending    OfferStatus = "PENDING"
	OfferAccepted   OfferStatus = "ACCEPTED"
	OfferRejected   OfferStatus = "REJECTED"
	OfferExpired    OfferStatus = "EXPIRED"
	OfferCancelled  OfferStatus = "CANCELLED"
	OfferSuperseded OfferStatus = "SUPERSEDED"
)

type Availability string

const (
	DriverAvailable Availability = "AVAILABLE"
	DriverOnTrip    Availability = "ON_TRIP"
	DriverOffline   Availability = "OFFLINE"
)

// Trip is the aggregate root of one ride request, from creation to
// settlement or termination.
type Trip struct {
	ID              string       `json:"id"`
	RiderID         string       `json:"rider_id"`
	RiderName       string       `json:"rider_name"`
	Pickup          Coord        `json:"pickup"`
	Drop            Coord        `json:"drop"`
	VehicleClass    VehicleClass `json:"vehicle_class"`
	PaymentIntentID string       `json:"payment_intent_id,omitempty"`
	Status          TripStatus   `json:"status"`

	// DriverID is empty until a driver wins the auction.
	DriverID string `json:"driver_id,omitempty"`

	Round         int        `json:"round"`
	RoundDeadline *time.Time `json:"round_deadline,omitempty"`
	RadiusM       float64    `json:"radius_m"`

	FareEstimate int64 `json:"fare_estimate"`
	FinalFare    int64 `json:"final_fare,omitempty"`
	CancelFee    int64 `json:"cancel_fee,omitempty"`

	VerificationCode   string    `json:"-"`
	VerificationExpiry time.Time `json:"-"`
	VerificationUsed   bool      `json:"-"`

	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Offer is one driver's opportunity to accept a specific trip in a
// specific round. At most one offer per (trip, driver) ever exists.
type Offer struct {
	TripID      string      `json:"trip_id"`
	DriverID    string      `json:"driver_id"`
	Round       int         `json:"round"`
	Status      OfferStatus `json:"status"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (o *Offer) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// DriverState is the canonical availability record for one driver. The
// lock fields are mutated only by the arbiter and the trip lifecycle;
// everything else comes from the driver's own heartbeat.
type DriverState struct {
	ID            string       `json:"id"`
	Loc           Coord        `json:"loc"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	Online        bool         `json:"online"`
	Approved      bool         `json:"approved"`
	Availability  Availability `json:"availability"`
	Locked        bool         `json:"locked"`
	LockedUntil   *time.Time   `json:"locked_until,omitempty"`
	CurrentTripID string       `json:"current_trip_id,omitempty"`
	Updated       time.Time    `json:"updated"`
}

// Eligible reports whether the driver may receive offers for the class.
func (d *DriverState) Eligible(class VehicleClass) bool {
	return d.Online && d.Approved && !d.Locked &&
		d.Availability == DriverAvailable && d.VehicleClass == class
}

// Heartbeat is the driver location message carried over kafka.
type Heartbeat struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
}

// Event is one message pushed to a logical channel through the fan-out
// service. Channel names are driver:{id} or rider:{id}; the dispatch
// core never touches a transport connection directly.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	EventTripOffer       = "trip_offer"
	EventOfferSuperseded = "offer_superseded"
	EventDriverAssigned  = "driver_assigned"
	EventTripUnfulfilled = "trip_unfulfilled"
	EventTripCancelled   = "trip_cancelled"
	EventTripStatus      = "trip_status"
)

// OfferEvent is the payload of a trip_offer push to one driver.
type OfferEvent struct {
	TripID       string       `json:"trip_id"`
	Pickup       Coord        `json:"pickup"`
	Drop         Coord        `json:"drop"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	FareEstimate int64        `json:"fare_estimate"`
	RiderName    string       `json:"rider_name"`
	ExpiresAt    time.Time    `json:"expires_at"`
	PickupETASec float64      `json:"pickup_eta_seconds,omitempty"`
}

func DriverChannel(id string) string { return "driver:" + id }
func RiderChannel(id string) string  { return "rider:" + id }
