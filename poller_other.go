//go:build unix && !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package aicp

import "time"

// no native readiness primitive wired on this platform; auto selects the
// completion backend.
const nativeBackend = BackendCompletion

type poller struct{}

func openPoller(int) (*poller, error) { return nil, ErrUnknownBackend }

func (p *poller) name() string                                        { return "none" }
func (p *poller) Close() error                                        { return nil }
func (p *poller) Watch(int) error                                     { return ErrUnknownBackend }
func (p *poller) Unwatch(int) error                                   { return nil }
func (p *poller) wakeup() error                                       { return nil }
func (p *poller) Wait(time.Duration, []pollEvent) ([]pollEvent, error) { return nil, ErrUnknownBackend }
