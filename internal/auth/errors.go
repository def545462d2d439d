package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrReauthRequired means the mailbox's credentials can no longer be
	// refreshed and a person has to reconnect it
	ErrReauthRequired = errors.New("mailbox requires re-authentication")
	// ErrTransient marks refresh failures worth retrying on a later tick
	ErrTransient = errors.New("transient token error")
	// ErrInvalidState is returned for tampered or expired OAuth state
	ErrInvalidState = errors.New("invalid oauth state")
)

// ConfigurationError reports missing or rejected app credentials. It is not
// retried automatically.
type ConfigurationError struct {
	IntegrationID int64
	Err           error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("integration %d misconfigured: %v", e.IntegrationID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
