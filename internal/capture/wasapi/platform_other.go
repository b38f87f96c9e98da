//go:build !windows || !(amd64 || arm64)

package wasapi

import "github.com/breeze-rmm/apploopback/internal/capture"

// Platform is unavailable off 64-bit Windows.
type Platform struct{}

// New always fails with capture.ErrUnsupportedPlatform.
func New() (*Platform, error) {
	return nil, capture.ErrUnsupportedPlatform
}

func (p *Platform) Activate(capture.Target, func(capture.Client, error)) error {
	return capture.ErrUnsupportedPlatform
}

func (p *Platform) Watch(uint32) (capture.ProcessWatch, error) {
	return nil, capture.ErrUnsupportedPlatform
}

func (p *Platform) Close() error { return nil }
