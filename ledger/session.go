package ledger

import "time"

// SessionStatus is the lifecycle state of a training session.
type SessionStatus string

const (
	// SessionScheduled sessions accept bookings.
	SessionScheduled SessionStatus = "SCHEDULED"
	// SessionCancelled sessions reject bookings.
	SessionCancelled SessionStatus = "CANCELLED"
	// SessionCompleted sessions reject bookings.
	SessionCompleted SessionStatus = "COMPLETED"
)

// Bookable reports whether new reservations may attach to the session.
func (s SessionStatus) Bookable() bool {
	return s == SessionScheduled
}

// Session is a scheduled, capacity-bounded offering that reservations attach
// to. CurrentParticipants is a denormalized count mutated only by the ledger.
type Session struct {
	ID                  string
	Title               string
	CourseType          string
	Location            string
	StartsAt            time.Time
	MaxParticipants     int
	CurrentParticipants int
	Status              SessionStatus
}

// Availability is the read-only answer to "can this session take a booking".
type Availability struct {
	Available      bool
	CurrentCount   int
	RemainingSpots int
}

// IncrementResult reports the outcome of a capacity mutation. A capacity
// shortfall sets Success to false; it is not an error.
type IncrementResult struct {
	Success        bool
	PreviousCount  int
	NewCount       int
	AvailableSpots int
	Message        string
}

// Filters narrows the advisory session listing.
type Filters struct {
	From          time.Time
	To            time.Time
	CourseType    string
	Location      string
	OnlyAvailable bool
}

// SessionAvailability pairs a session with its live reservation count,
// computed by counting countable reservations rather than trusting the
// denormalized counter.
type SessionAvailability struct {
	Session         Session
	CurrentBookings int
	AvailableSpots  int
}
