package protocol

import (
	"time"

	"github.com/pkg/errors"
)

// NetworkTimeout bounds every single protocol receive and every outbound
// TCP connect attempt.
const NetworkTimeout = 10 * time.Second

// BackendValidationTimeout bounds one validation-oracle call. NetworkTimeout
// must stay at least twice this value: the client's receive timeout starts
// at Hello(request), and the server may spend a full oracle call inside
// that window before answering.
const BackendValidationTimeout = 5 * time.Second

// ParkedConnTTL is how long an unclaimed public stream may sit in the
// rendezvous map before the janitor reclaims it.
const ParkedConnTTL = 10 * time.Second

// CheckTimeouts rejects startup when the timeout ordering is broken.
func CheckTimeouts() error {
	if NetworkTimeout < 2*BackendValidationTimeout {
		return errors.Errorf(
			"network timeout %s must be at least twice the backend validation timeout %s",
			NetworkTimeout, BackendValidationTimeout)
	}
	return nil
}
