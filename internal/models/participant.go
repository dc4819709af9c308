package models

import "time"

// Participant is the slice of an enrolled participant the recompute
// worker needs: identity, zone for window construction, and the
// account-created timestamp used to synthesize an enrollment event.
type Participant struct {
	HealthCode       string
	Zone             *time.Location
	AccountCreatedOn time.Time
	Client           ClientInfo
}
