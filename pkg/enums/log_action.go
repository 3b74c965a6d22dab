package enums

import "fmt"

// LogAction maps to the activation_log_action enum in Postgres.
type LogAction string

const (
	LogActionValidate LogAction = "validate"
	LogActionRevoke   LogAction = "revoke"
	LogActionReset    LogAction = "reset"
)

var validLogActions = []LogAction{
	LogActionValidate,
	LogActionRevoke,
	LogActionReset,
}

// String implements fmt.Stringer.
func (a LogAction) String() string {
	return string(a)
}

// IsValid reports whether the value matches the canonical activation_log_action enum.
func (a LogAction) IsValid() bool {
	for _, candidate := range validLogActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseLogAction converts raw input into LogAction.
func ParseLogAction(value string) (LogAction, error) {
	for _, candidate := range validLogActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid activation log action %q", value)
}
