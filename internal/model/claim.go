package model

import "time"

// Claim is one claim-log entry: a title collected for an account.
type Claim struct {
	Identity  string    `json:"-"`
	Title     string    `json:"game"`
	Image     string    `json:"image"`
	ClaimedAt time.Time `json:"time"`
}
