// Package daemonize provides the relay's detach-to-background and
// PID-file helpers. Neither is called by the core; only cmd/udprelayd
// uses them.
package daemonize

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Detach puts the calling process into its own session (unix.Setsid)
// and redirects stdin/stdout/stderr to /dev/null, so a detached daemon
// doesn't hold the invoking terminal open. It does not fork; callers
// that need the classic double-fork daemonize semantics should exec a
// fresh copy of themselves before calling Detach, per the Go runtime's
// restrictions on fork without exec.
func Detach() error {
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("daemonize: setsid: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	fd := int(devNull.Fd())
	for _, target := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if err := unix.Dup2(fd, target); err != nil {
			return fmt.Errorf("daemonize: redirect fd %d: %w", target, err)
		}
	}
	return nil
}

// WritePIDFile writes pid as a decimal integer followed by a newline to
// path.
func WritePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("daemonize: write pid file %s: %w", path, err)
	}
	return nil
}
