package util

import "runtime"

// Wipe zeroes key material in place once its consumer holds its own copy:
// the id cipher key after idcipher.New, config secrets on shutdown.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
	runtime.KeepAlive(bufs)
}
