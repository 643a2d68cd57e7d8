package udpsession

import "time"

// pastDeadline returns a time already in the past, used to force a blocked
// ReadFromUDP to return immediately when its context is canceled.
func pastDeadline() time.Time {
	return time.Now().Add(-time.Second)
}
