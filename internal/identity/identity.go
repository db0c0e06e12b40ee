// Package identity carries the viewer context the projector derives
// permissions from. It is consumed read-only; authentication happens in the
// main application, not here.
package identity

type Viewer struct {
	// UserID matches author_id values on comment rows.
	UserID string `json:"user_id"`
	// CanModerate grants delete rights over other users' comments
	// (workspace owners and admins).
	CanModerate bool `json:"can_moderate"`
}
