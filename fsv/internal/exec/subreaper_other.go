//go:build !linux

package exec

import "github.com/pkg/errors"

// SetSubreaper is only supported on Linux.
func SetSubreaper() error {
	return errors.New("subreaper is not supported on this platform")
}
