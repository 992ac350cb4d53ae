package policystore

import "titan-control-plane/internal/models"

// Store defines the interface for policy persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the Governor and the rest of the control plane.
//
// Policies are written only by governance; the transition log is append-only
// and exists for audit and disaster-recovery replay.
type Store interface {
	// Policy returns the stored policy for a mode.
	// If no policy is found, it returns (zero, ErrPolicyNotFound).
	Policy(mode models.Mode) (models.Policy, error)

	// SavePolicies atomically replaces the stored policy table.
	SavePolicies(policies map[models.Mode]models.Policy) error

	// AppendTransition appends one record to the transition log.
	// Records are keyed by epoch; appending an epoch twice is an error.
	AppendTransition(rec models.TransitionRecord) error

	// Transitions returns the transition log ordered by epoch.
	Transitions() ([]models.TransitionRecord, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
