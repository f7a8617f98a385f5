//go:build linux

package sysinit

import "golang.org/x/sys/unix"

// RaiseFileDescriptorLimit raises the soft RLIMIT_NOFILE toward the hard
// limit, capped at MinFileDescriptors, so the process can sustain a large
// number of concurrent connections. Returns the resulting soft limit.
func RaiseFileDescriptorLimit() (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, err
	}
	target := uint64(MinFileDescriptors)
	if rlim.Max < target {
		target = rlim.Max
	}
	if rlim.Cur >= target {
		return rlim.Cur, nil
	}
	rlim.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, err
	}
	return rlim.Cur, nil
}
