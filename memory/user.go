package memory

import (
	"math/rand"
	"time"
)

// User owns a subgraph of memory items. Created on first interaction;
// only the display name and activity timestamp ever change.
type User struct {
	UserID     string
	Name       string
	CreatedAt  time.Time
	LastActive time.Time

	// MomentCount is derived from stored items, refreshed on read.
	MomentCount int
}

// Curated name pools for demo users created without a display name.
var (
	firstNames = []string{
		"Emma", "Olivia", "Sophia", "Isabella", "Mia", "Charlotte", "Amelia", "Harper",
		"Liam", "Noah", "Oliver", "William", "Elijah", "James", "Benjamin", "Lucas",
		"Alex", "Jordan", "Taylor", "Casey", "Quinn", "River", "Rowan", "Charlie",
		"Finley", "Parker", "Blake", "Hayden", "Reese", "Cameron", "Drew", "Skylar",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis",
		"Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Martin", "Lee",
		"Walker", "Young", "Allen", "King", "Wright", "Scott", "Torres", "Nguyen",
		"Green", "Adams", "Nelson", "Baker", "Hall", "Rivera", "Campbell", "Mitchell",
	}
)

// FriendlyName generates a realistic display name like "Emma Johnson"
// for users created without one.
func FriendlyName() string {
	return firstNames[rand.Intn(len(firstNames))] + " " + lastNames[rand.Intn(len(lastNames))]
}
