package popup

import "github.com/cockroachdb/errors"

var (
	ErrPopupBlocked   = errors.New("popup blocked")
	ErrTimeout        = errors.New("popup exchange timed out")
	ErrUserRejected   = errors.New("user rejected request")
	ErrAlreadyAwaited = errors.New("exchange already awaited")
)

// ProviderError carries the error description a provider window sent back.
type ProviderError struct {
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return "provider error"
	}
	return e.Message
}
