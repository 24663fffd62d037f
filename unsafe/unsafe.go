package unsafe

import "unsafe"

// String returns a string that shares b's memory. b must not be modified afterwards.
func String(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
