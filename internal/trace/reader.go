package trace

import (
	"bufio"
	"fmt"
	"io"
)

// maxLineBytes bounds a single trace line. Layer lines with many visible
// rectangles run long.
const maxLineBytes = 1 << 20

// LineError is a malformed line with its position.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader yields records from a trace stream in order.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader reads trace lines from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{sc: sc}
}

// Line returns the number of the line last returned.
func (r *Reader) Line() int { return r.line }

// Next returns the next record. A malformed line yields a *LineError
// wrapping ErrMalformed; reading may continue after it. io.EOF marks the
// end of the stream.
func (r *Reader) Next() (Record, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
		return nil, io.EOF
	}
	r.line++
	text := r.sc.Text()
	rec, err := Parse(text)
	if err != nil {
		return nil, &LineError{Line: r.line, Text: text, Err: err}
	}
	return rec, nil
}
