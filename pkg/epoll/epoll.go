// Package epoll is a thin facade over the kernel readiness-notification
// mechanism. A Poller owns one epoll instance plus an eventfd used to
// interrupt a blocked Wait so owners can tear it down deterministically.
package epoll

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/jnse/tuxnet/internal/metrics"
)

// ErrClosed is returned by Wait once the poller has been closed.
var ErrClosed = errors.New("epoll: poller is closed")

const createRetryInterval = 1 * time.Second

// Poller wraps an epoll fd and its wake eventfd.
type Poller struct {
	epfd   int
	wakefd int
	closed atomic.Bool
}

// New creates a Poller. EMFILE/ENFILE from epoll_create1 are retried with a
// constant one second backoff until the fd table has room again; every other
// error surfaces immediately. This is the only blocking retry in the core.
func New(ctx context.Context, log *slog.Logger) (*Poller, error) {
	epfd, err := backoff.Retry(ctx, func() (int, error) {
		fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
		if err != nil {
			if err == unix.EMFILE || err == unix.ENFILE {
				metrics.EpollCreateRetries.Inc()
				log.Warn("epoll_create1: fd table exhausted, retrying", "error", err)
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return fd, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(createRetryInterval)))
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakefd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}

	return &Poller{epfd: epfd, wakefd: wakefd}, nil
}

// Add subscribes fd for readable, error, and hangup notifications. Edge
// triggering is used for listening fds; callers on the edge path must drain
// until would-block.
func (p *Poller) Add(fd int, edgeTriggered bool) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	if edgeTriggered {
		ev.Events |= unix.EPOLLET
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Delete removes fd from the interest set.
func (p *Poller) Delete(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one armed fd is ready, the timeout elapses, or
// Wake is called. msec < 0 blocks indefinitely. Wake events are consumed and
// filtered out, so n may be zero; callers re-check their state and wait
// again. Returns ErrClosed once the poller is closed.
func (p *Poller) Wait(events []unix.EpollEvent, msec int) (int, error) {
	for {
		if p.closed.Load() {
			return 0, ErrClosed
		}
		n, err := unix.EpollWait(p.epfd, events, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.closed.Load() {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		out := 0
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == p.wakefd {
				p.drainWake()
				continue
			}
			events[out] = events[i]
			out++
		}
		if p.closed.Load() {
			return 0, ErrClosed
		}
		return out, nil
	}
}

// Wake interrupts a concurrent Wait.
func (p *Poller) Wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakefd, buf[:])
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close wakes any waiter and releases both fds. Idempotent.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.Wake()
	unix.Close(p.epfd)
	unix.Close(p.wakefd)
	return nil
}

// IsError reports whether ev signals an unusable fd: a transport error, a
// hangup, or readiness without readable data.
func IsError(ev unix.EpollEvent) bool {
	return ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 || ev.Events&unix.EPOLLIN == 0
}
