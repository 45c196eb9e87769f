package fetch

import (
	"errors"
	"fmt"

	"github.com/aristath/taskflow/internal/scheduler"
)

// AlertFor maps the failures a user can act on to an alert: an unreachable
// host and an undecodable payload. Other errors yield false.
func AlertFor(err error) (scheduler.Alert, bool) {
	var ce *scheduler.ConditionError
	if errors.As(err, &ce) && ce.Condition == ReachabilityName {
		host, _ := ce.Detail["host"].(string)
		return scheduler.Alert{
			Title:   "Unable to Connect",
			Message: fmt.Sprintf("Cannot connect to %s. Make sure your device is connected to the internet.", host),
			Err:     err,
		}, true
	}
	if errors.Is(err, ErrPayload) {
		return scheduler.Alert{
			Title:   "Unable to Download",
			Message: "Cannot download data. Try again later.",
			Err:     err,
		}, true
	}
	return scheduler.Alert{}, false
}

// AlertForAny returns the alert for the first error in errs that maps to one.
func AlertForAny(errs []error) (scheduler.Alert, bool) {
	for _, err := range errs {
		if a, ok := AlertFor(err); ok {
			return a, true
		}
	}
	return scheduler.Alert{}, false
}
