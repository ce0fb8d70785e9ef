package twofactor

import "errors"

// State describes an identity's position in the 2FA lifecycle.
type State string

const (
	StateRequiredEnabled    State = "REQUIRED_ENABLED"
	StateRequiredNotEnabled State = "REQUIRED_NOT_ENABLED"
	StateOptionalEnabled    State = "OPTIONAL_ENABLED"
	StateOptionalNotEnabled State = "OPTIONAL_NOT_ENABLED"
)

var (
	// ErrOptOutForbidden rejects self-service disabling while a held
	// role makes 2FA mandatory.
	ErrOptOutForbidden = errors.New("twofactor: cannot disable while required by role")
	// ErrNotEnrolled indicates no secret exists for the user.
	ErrNotEnrolled = errors.New("twofactor: not enrolled")
	// ErrEnrollmentRequired flags the inconsistent state where a
	// mandatory-2FA user has no enabled secret. Treated as a forced
	// enrollment, never as a grant.
	ErrEnrollmentRequired = errors.New("twofactor: enrollment required")
)

// Settings is the persisted 2FA state of one user.
type Settings struct {
	UserID   int64
	Required bool
	Enabled  bool
	Secret   string
}

// State derives the lifecycle state from the stored flags.
func (s Settings) State() State {
	switch {
	case s.Required && s.Enabled:
		return StateRequiredEnabled
	case s.Required:
		// Structurally impossible after a committed role assignment;
		// callers seeing this must force enrollment.
		return StateRequiredNotEnabled
	case s.Enabled:
		return StateOptionalEnabled
	default:
		return StateOptionalNotEnabled
	}
}
