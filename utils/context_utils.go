package utils

import "context"

// CheckContextDone reports whether ctx has been cancelled or has expired, without blocking.
func CheckContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
