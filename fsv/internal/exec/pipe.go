package exec

import (
	"os"

	"github.com/pkg/errors"
)

// Mask selects which of the command's output streams are sent to the logger.
type Mask uint8

const (
	MaskStdout Mask = 1 << iota
	MaskStderr

	MaskBoth = MaskStdout | MaskStderr
)

// ErrInvalidMask is returned for a mask that selects no stream or an unknown
// one.
var ErrInvalidMask = errors.New("invalid output mask, must be 1, 2 or 3")

// Validate returns ErrInvalidMask if the mask is not between 1 and 3.
func (m Mask) Validate() error {
	if m == 0 || m&^MaskBoth != 0 {
		return ErrInvalidMask
	}
	return nil
}

// Pipe is the single pipe between the command and the logger. Both ends stay
// open in the supervisor for its whole life, so either child can be restarted
// without the other one seeing EOF or EPIPE.
type Pipe struct {
	r, w *os.File
	mask Mask
}

// NewPipe creates the pipe. It must be called before any child exists.
func NewPipe(mask Mask) (*Pipe, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipe")
	}

	return &Pipe{r: r, w: w, mask: mask}, nil
}

// Mask returns the mask the pipe was created with.
func (p *Pipe) Mask() Mask { return p.mask }

// CommandStdio returns the descriptor table for the command. Streams not
// selected by the mask inherit the supervisor's.
func (p *Pipe) CommandStdio() Stdio {
	stdio := Inherit()
	if p.mask&MaskStdout != 0 {
		stdio[1] = p.w
	}
	if p.mask&MaskStderr != 0 {
		stdio[2] = p.w
	}
	return stdio
}

// LoggerStdio returns the descriptor table for the logger, which reads the
// pipe on its stdin.
func (p *Pipe) LoggerStdio() Stdio {
	stdio := Inherit()
	stdio[0] = p.r
	return stdio
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	werr := p.w.Close()
	if err := p.r.Close(); err != nil {
		return err
	}
	return werr
}
