// Package poller implements the relay's readiness-based event wait: a
// thin wrapper over poll(2) (via golang.org/x/sys/unix) plus a
// self-pipe so a signal handler can wake a blocking wait without ever
// touching engine state directly.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/udprelayd/internal/constants"
)

// Interest describes one fd's requested readiness.
type Interest struct {
	Fd        int
	WantRead  bool
	WantWrite bool
}

// Ready describes one fd's observed readiness after Wait returns.
type Ready struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller wraps poll(2). It is not safe for concurrent use; the event
// loop is the only caller.
type Poller struct {
	pipeRead  int
	pipeWrite int
	pollfds   []unix.PollFd
}

// New creates a poller and its self-pipe. Callers must call Close when
// done to release the pipe descriptors.
func New() (*Poller, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("poller: pipe2: %w", err)
	}
	return &Poller{
		pipeRead:  fds[0],
		pipeWrite: fds[1],
		pollfds:   make([]unix.PollFd, 0, constants.DefaultPollBacklog),
	}, nil
}

// WakeFd returns the write end of the self-pipe. A signal-handling
// goroutine writes one byte here to wake a blocked Wait immediately.
func (p *Poller) WakeFd() int {
	return p.pipeWrite
}

// Wake writes a single byte to the self-pipe. Safe to call from any
// goroutine; EAGAIN (pipe already has a pending byte) is not an error.
func (p *Poller) Wake() error {
	_, err := unix.Write(p.pipeWrite, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// drainWake empties the self-pipe after a wake-triggered wait returns,
// so a stale byte doesn't cause a spurious immediate return next time.
func (p *Poller) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(p.pipeRead, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wait blocks indefinitely (no timeout) until at least one fd in
// interests is ready, or the self-pipe is written to. It returns the
// set of ready fds; a wake-only return yields woken=true and an empty
// ready slice.
func (p *Poller) Wait(interests []Interest) (ready []Ready, woken bool, err error) {
	p.pollfds = p.pollfds[:0]
	p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(p.pipeRead), Events: unix.POLLIN})

	for _, in := range interests {
		var events int16
		if in.WantRead {
			events |= unix.POLLIN
		}
		if in.WantWrite {
			events |= unix.POLLOUT
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(in.Fd), Events: events})
	}

	for {
		n, err := unix.Poll(p.pollfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, false, fmt.Errorf("poller: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		break
	}

	if p.pollfds[0].Revents&unix.POLLIN != 0 {
		p.drainWake()
		woken = true
	}

	for _, pfd := range p.pollfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		ready = append(ready, Ready{
			Fd:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return ready, woken, nil
}

// Close releases the self-pipe descriptors.
func (p *Poller) Close() error {
	err1 := unix.Close(p.pipeRead)
	err2 := unix.Close(p.pipeWrite)
	if err1 != nil {
		return err1
	}
	return err2
}
