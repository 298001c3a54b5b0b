package modelgateway

import (
	"errors"

	"github.com/nimbusforge/swarm/swarmerr"
)

// ErrRateLimited is returned (wrapped) by provider adapters when the
// provider signals a rate limit.
var ErrRateLimited = errors.New("modelgateway: rate limited")

// IsRateLimited reports whether err is or wraps ErrRateLimited or carries
// swarmerr.KindRateLimit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || swarmerr.Is(err, swarmerr.KindRateLimit)
}
