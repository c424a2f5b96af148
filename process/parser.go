package process

import (
	"bufio"
	"bytes"
	"io"
)

// OutputParser consumes the output of a process one line at a time.
// Start is called before the first line, Stop after the last one.
// All calls for one stream happen on the same goroutine, in output order.
type OutputParser interface {
	Start()
	Parse(line string)
	Stop()
}

// LineFunc adapts a function to an OutputParser with no-op Start and Stop.
type LineFunc func(line string)

func (f LineFunc) Start()            {}
func (f LineFunc) Parse(line string) { f(line) }
func (f LineFunc) Stop()             {}

const maxLineSize = 1024 * 1024

// lineSplitter returns a bufio.SplitFunc that splits on "\n", "\r" or "\r\n".
// Transcoders rewrite their progress line with a bare carriage return, so a
// line ending in '\r' is emitted without waiting for the next byte.
func lineSplitter() bufio.SplitFunc {
	afterCR := false
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if afterCR && len(data) > 0 {
			afterCR = false
			if data[0] == '\n' {
				return 1, nil, nil
			}
		}
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			afterCR = data[i] == '\r'
			return i + 1, data[:i], nil
		}

		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// consume feeds every line of r to parser and drains r to EOF.
// It returns the scanner error, if any.
func consume(r io.Reader, parser OutputParser) error {
	if parser == nil {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	parser.Start()
	defer parser.Stop()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(lineSplitter())
	for scanner.Scan() {
		parser.Parse(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		// keep the child from blocking on a full pipe
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
