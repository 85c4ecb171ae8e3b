package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// ErrRateLimited matches every *ExceededError with errors.Is.
var ErrRateLimited = errors.New("rate limit exceeded")

// ExceededError reports the first tier that rejected a request.
type ExceededError struct {
	Tier       Tier
	RetryAfter time.Duration
	Limit      int
}

// Error implements error.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tier %s (%d/min), retry after %s", e.Tier, e.Limit, e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimited
}

// ErrorClass implements util.Classified.
func (e *ExceededError) ErrorClass() util.ErrorClass {
	return util.ClassAdmission
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, never
// less than one.
func (e *ExceededError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// RetryAfterHeader returns the Retry-After header value.
func (e *ExceededError) RetryAfterHeader() string {
	return strconv.Itoa(e.RetryAfterSeconds())
}
