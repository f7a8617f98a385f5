//go:build !linux

package sysinit

import "errors"

// RaiseFileDescriptorLimit leaves the limit unchanged on non-Linux builds
// and returns an error saying so.
func RaiseFileDescriptorLimit() (uint64, error) {
	return 0, errors.New("sysinit: file descriptor limit adjustment is only supported on linux")
}
