package engine

import (
	"context"
	"errors"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
)

// session is the browser handle of a top-level run, shared with its nested
// runs. The driver is launched on first use and closed exactly once.
type session struct {
	launcher browser.Launcher
	opts     browser.LaunchOptions
	driver   browser.Driver
	released bool
}

// get returns the driver, launching it if needed.
func (s *session) get(ctx context.Context) (browser.Driver, error) {
	if s.released {
		return nil, browser.Unusable(errors.New("browser session already released"))
	}
	if s.driver != nil {
		return s.driver, nil
	}
	if s.launcher == nil {
		return nil, fatalf(ErrNoBrowser, "launch browser")
	}
	d, err := s.launcher.Launch(ctx, s.opts)
	if err != nil {
		return nil, fatalf(err, "launch browser")
	}
	s.driver = d
	return d, nil
}

// active returns the driver if one is open, without launching.
func (s *session) active() browser.Driver {
	if s.released {
		return nil
	}
	return s.driver
}

// release closes the driver. closed is false when there was nothing to close.
func (s *session) release() (closed bool, err error) {
	if s.released {
		return false, nil
	}
	s.released = true
	if s.driver == nil {
		return false, nil
	}
	return true, s.driver.Close()
}
