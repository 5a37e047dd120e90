//go:build linux

// Package fsevents is the event source (spec component C1): it opens a raw
// inotify file descriptor, attaches one watch per destination directory
// with a mask derived from its configured event names, and decodes raw
// kernel events into a bounded channel.
//
// Unlike a portable watcher library, this talks to inotify directly so it
// can distinguish IN_OPEN, IN_CLOSE_WRITE, and IN_CLOSE_NOWRITE, which the
// classifier (spec section 4.3) requires and a portable event model cannot
// express. Grounded on fsnotify's own internal Linux backend.
package fsevents

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RawEvent is one decoded kernel notification.
type RawEvent struct {
	WatchID int
	Mask    uint32
	Name    string // base name within the watched directory, or "" for self events
}

// eventNameMasks maps the configuration's event name strings onto inotify
// bits (mirrors the original implementation's EVENT_MAP).
var eventNameMasks = map[string]uint32{
	"IN_ACCESS":       unix.IN_ACCESS,
	"IN_CREATE":       unix.IN_CREATE,
	"IN_MODIFY":       unix.IN_MODIFY,
	"IN_DELETE":       unix.IN_DELETE,
	"IN_MOVED_FROM":   unix.IN_MOVED_FROM,
	"IN_MOVED_TO":     unix.IN_MOVED_TO,
	"IN_MOVE_SELF":    unix.IN_MOVE_SELF,
	"IN_DELETE_SELF":  unix.IN_DELETE_SELF,
	"IN_OPEN":         unix.IN_OPEN,
	"IN_ATTRIB":       unix.IN_ATTRIB,
	"IN_CLOSE_NOWRITE": unix.IN_CLOSE_NOWRITE,
	"IN_CLOSE_WRITE":  unix.IN_CLOSE_WRITE,
	"IN_ISDIR":        unix.IN_ISDIR,
}

// MaskFromEventNames computes a watch mask from a destination's configured
// event name set, always including IN_OPEN and IN_CLOSE_WRITE (spec section
// 4.1: "the mask always includes open and close-write regardless of
// configuration").
func MaskFromEventNames(names []string) uint32 {
	mask := uint32(unix.IN_OPEN | unix.IN_CLOSE_WRITE)
	for _, n := range names {
		if bit, ok := eventNameMasks[strings.ToUpper(n)]; ok {
			mask |= bit
		}
	}
	return mask
}

// Watcher owns the inotify fd and the watch-id-to-base-path mapping.
type Watcher struct {
	fd int

	mu      sync.Mutex
	byWD    map[int]string
	events  chan RawEvent
	closed  chan struct{}
	closeMu sync.Once
}

// QueueLimit bounds the RawEvent channel; once full, the oldest queued
// event is dropped to preserve freshness under burst (spec section 9:
// "bounded channel/queue with drop-oldest-on-overflow policy").
const QueueLimit = 4096

// New opens a fresh inotify instance.
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &Watcher{
		fd:     fd,
		byWD:   make(map[int]string),
		events: make(chan RawEvent, QueueLimit),
		closed: make(chan struct{}),
	}, nil
}

// AddWatch attaches a watch to path with the given mask, recording the
// watch-id-to-path mapping used to resolve full paths for self events.
func (w *Watcher) AddWatch(path string, mask uint32) (int, error) {
	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		return 0, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	w.mu.Lock()
	w.byWD[wd] = path
	w.mu.Unlock()
	return wd, nil
}

// PathForWatch resolves a watch id back to its base directory. Unknown
// watch ids are reported by the caller as a KernelEventError and dropped
// (spec section 4.1 failure semantics).
func (w *Watcher) PathForWatch(wd int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.byWD[wd]
	return p, ok
}

// Events returns the channel raw events are published to. Run must be
// started in its own goroutine to populate it.
func (w *Watcher) Events() <-chan RawEvent { return w.events }

// Run polls and reads the inotify fd until Close is called, decoding
// batches of raw kernel events and publishing them to Events(). It never
// blocks on anything but the poll and read of that fd (spec section 5).
func (w *Watcher) Run() error {
	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		select {
		case <-w.closed:
			return nil
		default:
		}

		pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(pfd, 1000) // ~1s poll so Close is observed promptly
		if err == unix.EINTR || (err == nil && ready == 0) {
			continue
		}
		if err != nil {
			return fmt.Errorf("inotify poll: %w", err)
		}
		// Short coalescing window so events arriving together are read in one batch.
		time.Sleep(100 * time.Millisecond)

		n, err := unix.Read(w.fd, buf[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-w.closed:
				return nil
			default:
			}
			return fmt.Errorf("inotify read: %w", err)
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		var offset uint32
		for offset <= uint32(n)-unix.SizeofInotifyEvent {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameLen := raw.Len

			var name string
			if nameLen > 0 {
				nameBytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
				name = strings.TrimRight(string(nameBytes), "\x00")
			}

			w.publish(RawEvent{WatchID: int(raw.Wd), Mask: uint32(raw.Mask), Name: name})

			offset += unix.SizeofInotifyEvent + nameLen
		}
	}
}

func (w *Watcher) publish(ev RawEvent) {
	select {
	case w.events <- ev:
	default:
		// Drop-oldest-on-overflow: make room for the freshest event.
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

// Close stops Run and releases the inotify fd.
func (w *Watcher) Close() error {
	w.closeMu.Do(func() { close(w.closed) })
	return unix.Close(w.fd)
}
