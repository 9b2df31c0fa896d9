package actor

import (
	"time"
)

// Actor is an identity that can act on tasks. Name is the principal carried
// by authenticated requests.
type Actor struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"` // contact address for notifications
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Emails returns the distinct non-empty contact addresses of actors, in input
// order.
func Emails(actors []Actor) []string {
	seen := make(map[string]bool, len(actors))
	var out []string
	for _, a := range actors {
		if a.Email == "" || seen[a.Email] {
			continue
		}
		seen[a.Email] = true
		out = append(out, a.Email)
	}
	return out
}
