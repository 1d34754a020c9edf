package quit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTTY    = "/dev/tty"
	defaultWindow = time.Second
	ctrlC         = 0x03
)

// Keyboard watches a terminal for a key combination. Terminals deliver key
// presses rather than held keys, so the combination counts as pressed once
// every key has been seen within the window.
type Keyboard struct {
	keys   []byte
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	seen    map[byte]time.Time
	ctrlC   bool
	err     error
	restore func() error
}

type KeyboardOption func(*Keyboard)

func WithWindow(d time.Duration) KeyboardOption {
	return func(k *Keyboard) {
		if d > 0 {
			k.window = d
		}
	}
}

func WithNow(now func() time.Time) KeyboardOption {
	return func(k *Keyboard) {
		if now != nil {
			k.now = now
		}
	}
}

func newKeyboard(keys []string, opts ...KeyboardOption) *Keyboard {
	k := &Keyboard{
		window: defaultWindow,
		now:    time.Now,
		seen:   make(map[byte]time.Time),
	}
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if len(key) == 1 {
			k.keys = append(k.keys, key[0])
		}
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// OpenKeyboard puts the controlling terminal in raw mode and starts reading
// key presses. It never fails; without a terminal every poll reports
// ErrUnavailable.
func OpenKeyboard(keys []string, opts ...KeyboardOption) *Keyboard {
	k := newKeyboard(keys, opts...)
	if len(k.keys) == 0 {
		k.err = fmt.Errorf("%w: no quit keys configured", ErrUnavailable)
		return k
	}

	tty, err := os.Open(defaultTTY)
	if err != nil {
		k.err = fmt.Errorf("%w: open %s: %v", ErrUnavailable, defaultTTY, err)
		return k
	}
	fd := int(tty.Fd())
	if !term.IsTerminal(fd) {
		tty.Close()
		k.err = fmt.Errorf("%w: %s is not a terminal", ErrUnavailable, defaultTTY)
		return k
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		tty.Close()
		k.err = fmt.Errorf("%w: raw mode: %v", ErrUnavailable, err)
		return k
	}
	k.restore = func() error {
		defer tty.Close()
		return term.Restore(fd, state)
	}
	go k.read(tty)
	return k
}

// NewKeyboard reads key presses from r. Used with pipes and in tests.
func NewKeyboard(r io.Reader, keys []string, opts ...KeyboardOption) *Keyboard {
	k := newKeyboard(keys, opts...)
	go k.read(r)
	return k
}

func (k *Keyboard) read(r io.Reader) {
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			k.observe(b)
		}
		if err != nil {
			k.mu.Lock()
			if err == io.EOF {
				k.err = fmt.Errorf("%w: input closed", ErrUnavailable)
			} else {
				k.err = fmt.Errorf("%w: read: %v", ErrUnavailable, err)
			}
			k.mu.Unlock()
			return
		}
	}
}

func (k *Keyboard) observe(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b == ctrlC {
		// Raw mode swallows SIGINT, so treat the byte as an interrupt.
		k.ctrlC = true
		return
	}
	if b >= 'A' && b <= 'Z' {
		b += 'a' - 'A'
	}
	k.seen[b] = k.now()
}

func (k *Keyboard) QuitRequested() (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ctrlC {
		return true, nil
	}
	if len(k.keys) > 0 {
		now := k.now()
		pressed := true
		for _, key := range k.keys {
			at, ok := k.seen[key]
			if !ok || now.Sub(at) > k.window {
				pressed = false
				break
			}
		}
		if pressed {
			return true, nil
		}
	}
	return false, k.err
}

// Close restores the terminal state.
func (k *Keyboard) Close() error {
	k.mu.Lock()
	restore := k.restore
	k.restore = nil
	k.mu.Unlock()
	if restore == nil {
		return nil
	}
	return restore()
}
