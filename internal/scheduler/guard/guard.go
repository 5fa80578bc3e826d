package guard

import (
	"errors"

	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
)

var (
	ErrNothingToSettle = errors.New("nothing_to_settle")
	ErrBelowThreshold  = errors.New("below_auto_settle_threshold")
)

// EnsureSessionCanAutoSettle decides whether the background job may settle a
// session. Sessions that left the active state settle whatever remains;
// active ones wait for the threshold, and a zero threshold leaves them to the
// viewer.
func EnsureSessionCanAutoSettle(status sessiondomain.Status, unsettled int64, threshold int64) error {
	if unsettled <= 0 {
		return ErrNothingToSettle
	}
	if status != sessiondomain.StatusActive {
		return nil
	}
	if threshold <= 0 || unsettled < threshold {
		return ErrBelowThreshold
	}
	return nil
}
