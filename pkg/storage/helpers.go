package storage

import "time"

func intToBool(i int) bool {
	return i != 0
}

// fromMillis maps the stored 0 back to the zero time
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
