// Package domain defines the lobby user record and its lifecycle states.
package domain

// Status describes where a connection sits in the matchmaking lifecycle.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusPending indicates a connection that has not claimed a seat in
	// the lobby yet. Pending users are never included in broadcast rosters.
	StatusPending
	// StatusAvailable indicates the user can be challenged.
	StatusAvailable
	// StatusBattleRequested indicates the user is negotiating a challenge.
	StatusBattleRequested
	// StatusBoardSetup indicates the handshake completed and the pair moved
	// on to board placement.
	StatusBoardSetup
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAvailable:
		return "available"
	case StatusBattleRequested:
		return "battle_request"
	case StatusBoardSetup:
		return "board_setup"
	default:
		return "unspecified"
	}
}

// StatusFromWire parses the wire representation of a status.
func StatusFromWire(value string) (Status, bool) {
	switch value {
	case "pending":
		return StatusPending, true
	case "available":
		return StatusAvailable, true
	case "battle_request":
		return StatusBattleRequested, true
	case "board_setup":
		return StatusBoardSetup, true
	default:
		return StatusUnspecified, false
	}
}

// User is the per-connection record tracked by the session registry.
//
// OpponentID is a reference, not ownership: it names another live record's
// ID and is only meaningful while Status is StatusBattleRequested or
// StatusBoardSetup. Records are mutated in place through partial updates
// and removed when the connection terminates.
type User struct {
	ID          string
	DisplayName string
	Slug        string
	Status      Status
	OpponentID  string
	Locale      string
}

// Paired reports whether the record currently references an opponent.
func (u User) Paired() bool {
	return u.OpponentID != ""
}

// Update is a partial update applied field-by-field onto an existing user
// record: a set pointer overrides the stored value, a nil pointer leaves it
// untouched. Clearing OpponentID is expressed as a pointer to the empty
// string.
type Update struct {
	DisplayName *string
	Status      *Status
	OpponentID  *string
	Locale      *string
}

// StringPtr returns a pointer to value, for building partial updates.
func StringPtr(value string) *string {
	return &value
}

// StatusPtr returns a pointer to status, for building partial updates.
func StatusPtr(status Status) *Status {
	return &status
}
