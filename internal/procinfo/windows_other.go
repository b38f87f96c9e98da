//go:build !windows

package procinfo

// Windows is only available on Windows.
func Windows() ([]Window, error) {
	return nil, ErrUnsupported
}
