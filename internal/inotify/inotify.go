// Package inotify wraps a Linux inotify instance: initialise, register and
// unregister watches, and a blocking read yielding the kernel's raw event
// buffer. Parsing of the variable-length event records lives here too so the
// record codec can be exercised on its own.
//
//go:build linux

package inotify

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// EventHeaderSize is the fixed portion of a kernel inotify_event record:
	// {wd int32, mask, cookie, len uint32}. The name field of len bytes
	// follows immediately.
	EventHeaderSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

	// NameMax is the longest filename the kernel delivers in an event record.
	NameMax = 255

	// MaxEvents bounds how many maximally-sized records a single Wait call
	// can return.
	MaxEvents = 64
)

// ErrClosed is returned by Wait after Shutdown has been called.
var ErrClosed = errors.New("inotify: instance closed")

// RawEvent is one decoded kernel event record. PaddedLen preserves the
// kernel's NUL-padded name length so a parsed buffer can be reconstructed
// byte for byte.
type RawEvent struct {
	WD        int32
	Mask      uint32
	Cookie    uint32
	Name      string
	PaddedLen uint32
}

// Instance owns one inotify file descriptor. A self-pipe unblocks the
// poll(2) in Wait when Shutdown is called, following the usual shutdown idiom
// for blocking kernel reads.
type Instance struct {
	fd    int
	pipeR int
	pipeW int

	wakeOnce  sync.Once
	closeOnce sync.Once
	buf       []byte
}

// New initialises an inotify instance (close-on-exec) and its shutdown pipe.
func New() (*Instance, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}
	return &Instance{
		fd:    fd,
		pipeR: p[0],
		pipeW: p[1],
		buf:   make([]byte, MaxEvents*(EventHeaderSize+NameMax+1)),
	}, nil
}

// Register adds a watch for uri with the given event mask and returns the
// kernel-assigned watch descriptor.
func (in *Instance) Register(uri string, mask uint32) (int, error) {
	wd, err := unix.InotifyAddWatch(in.fd, uri, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify: add watch %q: %w", uri, err)
	}
	return wd, nil
}

// Unregister removes the watch identified by wd.
func (in *Instance) Unregister(wd int) error {
	if _, err := unix.InotifyRmWatch(in.fd, uint32(wd)); err != nil {
		return fmt.Errorf("inotify: rm watch %d: %w", wd, err)
	}
	return nil
}

// Wait blocks until the kernel has events to deliver and returns the raw
// buffer of one read. The returned slice aliases an internal buffer and is
// only valid until the next Wait call. Returns ErrClosed once Shutdown has
// been called.
func (in *Instance) Wait() ([]byte, error) {
	fds := []unix.PollFd{
		{Fd: int32(in.fd), Events: unix.POLLIN},
		{Fd: int32(in.pipeR), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("inotify: poll: %w", err)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return nil, ErrClosed
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(in.fd, in.buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("inotify: read: %w", err)
		}
		return in.buf[:n], nil
	}
}

// Shutdown wakes any blocked Wait call, which then returns ErrClosed. The
// descriptors stay open so callers can still unregister watches before the
// final Close. Shutdown is idempotent.
func (in *Instance) Shutdown() {
	in.wakeOnce.Do(func() {
		unix.Write(in.pipeW, []byte{0}) //nolint:errcheck
	})
}

// Close releases the instance's descriptors after waking any Wait call.
// Watches still registered are implicitly dropped by the kernel when the
// inotify descriptor closes. Callers must not invoke Wait concurrently with
// or after Close; wake the reader with Shutdown and join it first. Close is
// idempotent.
func (in *Instance) Close() {
	in.Shutdown()
	in.closeOnce.Do(func() {
		unix.Close(in.pipeW)
		unix.Close(in.pipeR)
		unix.Close(in.fd)
	})
}

// Parse decodes a raw kernel buffer into its event records. A truncated
// trailing record ends the parse.
func Parse(buf []byte) []RawEvent {
	var out []RawEvent
	for off := 0; off+EventHeaderSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		off += EventHeaderSize

		raw := RawEvent{
			WD:        ev.Wd,
			Mask:      ev.Mask,
			Cookie:    ev.Cookie,
			PaddedLen: ev.Len,
		}
		if ev.Len > 0 {
			if off+int(ev.Len) > len(buf) {
				break
			}
			name := buf[off : off+int(ev.Len)]
			// NUL-terminated, NUL-padded to a 4-byte boundary.
			end := 0
			for end < len(name) && name[end] != 0 {
				end++
			}
			raw.Name = string(name[:end])
			off += int(ev.Len)
		}
		out = append(out, raw)
	}
	return out
}

// Append encodes ev at the end of dst in the kernel's wire layout, padding
// the name with NULs to PaddedLen. Parse followed by Append over every record
// reproduces the original buffer.
func Append(dst []byte, ev RawEvent) []byte {
	var hdr [16]byte
	h := (*unix.InotifyEvent)(unsafe.Pointer(&hdr[0]))
	h.Wd = ev.WD
	h.Mask = ev.Mask
	h.Cookie = ev.Cookie
	h.Len = ev.PaddedLen
	dst = append(dst, hdr[:EventHeaderSize]...)
	if ev.PaddedLen > 0 {
		name := make([]byte, ev.PaddedLen)
		copy(name, ev.Name)
		dst = append(dst, name...)
	}
	return dst
}
