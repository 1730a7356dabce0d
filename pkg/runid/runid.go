package runid

import "github.com/google/uuid"

// New returns a UUIDv7 used as an opaque, time-ordered token: reconcile run
// ids and redis lock holder tokens.
func New() (uuid.UUID, error) {
	return uuid.NewV7()
}

// NewString returns the token in canonical string form.
func NewString() (string, error) {
	u, err := New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
