/*Package watch waits for completion artifacts.  The external acquisition
engine has no push-based completion signal; the appearance of a file on
durable storage is the only indication that a scan finished.

The default watcher polls, which works on the SMB shares the engine writes
to.  A notify watcher built on fsnotify is provided for local filesystems.
Both take an explicit timeout so the wait cannot hang the server forever.
*/
package watch

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// ErrTimeout is returned when the artifact does not appear in time.
var ErrTimeout = errors.New("watch: timed out waiting for completion artifact")

// DefaultInterval is the poll cadence.
const DefaultInterval = 100 * time.Millisecond

// A Clock provides time to a poll watcher.  Tests substitute a fake.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

// SystemClock is the real time implementation of Clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// A Watcher blocks until a file exists or the timeout elapses.
type Watcher interface {
	Wait(path string, timeout time.Duration) error
}

// Poll waits for a file by stat-ing it at a fixed interval.
type Poll struct {
	// Interval between stats; DefaultInterval if zero
	Interval time.Duration

	// Clock is the time source; SystemClock if nil
	Clock Clock
}

// Wait blocks until path exists.  A timeout of zero or less means no
// ceiling, which reproduces the unbounded wait of the engine's native
// protocol; callers wanting bounded latency must pass a positive timeout.
func (p Poll) Wait(path string, timeout time.Duration) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := p.Clock
	if clk == nil {
		clk = SystemClock{}
	}
	deadline := clk.Now().Add(timeout)
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "stat of %s", path)
		}
		if timeout > 0 && !clk.Now().Before(deadline) {
			return ErrTimeout
		}
		clk.Sleep(interval)
	}
}

// Notify waits for a file using filesystem events.  It falls back to an
// initial stat so an artifact that already exists is seen immediately.
type Notify struct{}

// Wait blocks until path exists or timeout elapses.  A timeout of zero or
// less waits forever.
func (Notify) Wait(path string, timeout time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating fsnotify watcher")
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watching %s", filepath.Dir(path))
	}
	// the file may have appeared before the watch was registered
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watch: fsnotify event stream closed")
			}
			evAbs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if evAbs == abs && ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-w.Errors:
			if ok && err != nil {
				return errors.Wrap(err, "fsnotify")
			}
		case <-expire:
			return ErrTimeout
		}
	}
}
