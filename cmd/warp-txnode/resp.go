package main

import (
	"bufio"
	"errors"
	"io"
	"strconv"
)

const maxBulkLen = 64 << 20

var (
	errProtocol = errors.New("ERR protocol error")
	errTooLarge = errors.New("ERR bulk length exceeds limit")
)

// respReader parses client commands: RESP arrays of bulk strings, or an
// inline command on a single line.
type respReader struct {
	rd *bufio.Reader
}

func newRESPReader(rd *bufio.Reader) *respReader {
	return &respReader{rd: rd}
}

func (r *respReader) readLine() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errProtocol
	}
	return line[:len(line)-2], nil
}

// buffered reports whether a pipelined command is already waiting.
func (r *respReader) buffered() bool { return r.rd.Buffered() > 0 }

func (r *respReader) readCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return splitInline(line), nil
	}
	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 {
		return nil, errProtocol
	}
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		hdr, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, errProtocol
		}
		n, err := strconv.Atoi(string(hdr[1:]))
		if err != nil {
			return nil, errProtocol
		}
		if n < 0 {
			args = append(args, nil)
			continue
		}
		if n > maxBulkLen {
			return nil, errTooLarge
		}
		data := make([]byte, n+2)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		args = append(args, data[:n])
	}
	return args, nil
}

func splitInline(line []byte) [][]byte {
	var args [][]byte
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				args = append(args, append([]byte(nil), line[start:i]...))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		args = append(args, append([]byte(nil), line[start:]...))
	}
	return args
}

// respWriter buffers replies until flush. The first write error sticks.
type respWriter struct {
	wr      *bufio.Writer
	scratch []byte
	err     error
}

func newRESPWriter(wr *bufio.Writer) *respWriter {
	return &respWriter{wr: wr, scratch: make([]byte, 0, 32)}
}

func (w *respWriter) write(prefix byte, body []byte) {
	if w.err != nil {
		return
	}
	if err := w.wr.WriteByte(prefix); err != nil {
		w.err = err
		return
	}
	if _, err := w.wr.Write(body); err != nil {
		w.err = err
		return
	}
	_, w.err = w.wr.WriteString("\r\n")
}

func (w *respWriter) number(prefix byte, n int64) {
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.write(prefix, w.scratch)
}

func (w *respWriter) writeError(msg string)  { w.write('-', []byte(msg)) }
func (w *respWriter) writeSimple(msg string) { w.write('+', []byte(msg)) }
func (w *respWriter) writeInt(n int64)       { w.number(':', n) }
func (w *respWriter) writeArray(n int)       { w.number('*', int64(n)) }
func (w *respWriter) writeNull()             { w.number('$', -1) }

func (w *respWriter) writeBulk(data []byte) {
	w.number('$', int64(len(data)))
	if w.err != nil {
		return
	}
	if _, err := w.wr.Write(data); err != nil {
		w.err = err
		return
	}
	_, w.err = w.wr.WriteString("\r\n")
}

func (w *respWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	return w.wr.Flush()
}
