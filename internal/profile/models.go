package profile

import "time"

// Profile is the public game profile of a member as reported by the
// external profile API.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Rank        string    `json:"rank"`
	Level       int       `json:"level"`
	Region      string    `json:"region,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
