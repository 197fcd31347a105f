package logging

import (
	"bytes"
	"io"
)

// EscapeNewlineWriter keeps each write on one output line by escaping embedded line breaks
// server error details often span several lines and would otherwise break log parsing
type EscapeNewlineWriter struct {
	wr io.Writer
}

func NewEscapeNewlineWriter(writer io.Writer) EscapeNewlineWriter {
	return EscapeNewlineWriter{wr: writer}
}

// Write reports len(in) on success, whatever the length of the escaped output
func (m EscapeNewlineWriter) Write(in []byte) (int, error) {
	body, trailer := in, []byte(nil)
	if bytes.HasSuffix(body, newLine) {
		body, trailer = body[:len(body)-1], newLine
	}
	if !bytes.ContainsAny(body, "\r\n") {
		if _, err := m.wr.Write(in); err != nil {
			return 0, err
		}
		return len(in), nil
	}

	escaped := make([]byte, 0, len(in)+8)
	for _, c := range body {
		switch c {
		case '\n':
			escaped = append(escaped, escapedNewLine...)
		case '\r':
			escaped = append(escaped, escapedCarriageReturn...)
		default:
			escaped = append(escaped, c)
		}
	}
	escaped = append(escaped, trailer...)
	if _, err := m.wr.Write(escaped); err != nil {
		return 0, err
	}
	return len(in), nil
}
