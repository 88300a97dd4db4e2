// Package reaper lets callers subscribe to child-process exits before
// spawning them, so a signal delivered between fork and subscribe can
// never be missed. It is the Go equivalent of the Rust hooks runner's
// monitor_subscribe(Topic::Pid): subscribe, spawn, then wait for your
// specific pid to show up on the subscription channel.
//
// containerd's own internal reaper package is not importable from
// outside its module tree, so this is reimplemented directly against
// os/signal, in the same spirit hcsshim and runc's own shims use for
// SIGCHLD-driven process reaping.
package reaper

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Exit is one observed child exit.
type Exit struct {
	Pid    int
	Status unix.WaitStatus
}

var (
	mu          sync.Mutex
	subscribers = map[chan Exit]struct{}{}
	started     bool
)

// Subscribe registers ch to receive every future child exit until
// Unsubscribe is called. Call Subscribe before spawning the process
// whose exit you intend to observe.
func Subscribe() chan Exit {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan Exit, 8)
	subscribers[ch] = struct{}{}
	ensureStarted()
	return ch
}

// Unsubscribe removes and closes ch.
func Unsubscribe(ch chan Exit) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := subscribers[ch]; ok {
		delete(subscribers, ch)
		close(ch)
	}
}

func ensureStarted() {
	if started {
		return
	}
	started = true
	sigCh := make(chan os.Signal, 32)
	signal.Notify(sigCh, unix.SIGCHLD)
	go reapLoop(sigCh)
}

func reapLoop(sigCh chan os.Signal) {
	for range sigCh {
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
			broadcast(Exit{Pid: pid, Status: ws})
		}
	}
}

func broadcast(e Exit) {
	mu.Lock()
	defer mu.Unlock()
	for ch := range subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}
