package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/spf13/afero"
)

// Mock simulates the camera for local development by writing a small grey
// JPEG.
type Mock struct {
	fs        afero.Fs
	width     int
	height    int
	failEvery int

	mu    sync.Mutex
	calls int
}

type MockOption func(*Mock)

// WithMockFailEvery makes every n-th call fail.
func WithMockFailEvery(n int) MockOption {
	return func(m *Mock) {
		if n > 0 {
			m.failEvery = n
		}
	}
}

func NewMock(fs afero.Fs, settings Settings, opts ...MockOption) *Mock {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := &Mock{fs: fs, width: 64, height: 48}
	if settings.Width > 0 && settings.Width < m.width {
		m.width = settings.Width
	}
	if settings.Height > 0 && settings.Height < m.height {
		m.height = settings.Height
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) Capture(path string) error {
	m.mu.Lock()
	m.calls++
	calls := m.calls
	m.mu.Unlock()

	if m.failEvery > 0 && calls%m.failEvery == 0 {
		return fmt.Errorf("mock camera: simulated failure on call %d", calls)
	}

	img := image.NewGray(image.Rect(0, 0, m.width, m.height))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		return fmt.Errorf("mock camera: encode: %w", err)
	}
	if err := afero.WriteFile(m.fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("mock camera: write %q: %w", path, err)
	}
	return nil
}

// Calls returns how many captures were requested.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
