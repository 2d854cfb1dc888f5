// Package utils provides small helpers shared across the client.
package utils

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// LogInterceptor is an io.Writer that prefixes each complete line with a
// sequence number and timestamp before forwarding it to target. Partial
// lines stay buffered until their newline arrives.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeLine(line []byte) (int, error) {
	prefix := fmt.Sprintf("line=%d time=%s ", i.seq.Add(1), time.Now().Format(time.RFC3339))
	n, err := io.WriteString(i.target, prefix)
	if err != nil {
		return n, err
	}
	m, err := i.target.Write(append(line, '\n'))
	return n + m, err
}

func (i *LogInterceptor) Write(p []byte) (int, error) {
	if _, err := i.buf.Write(p); err != nil {
		return 0, err
	}

	total := 0
	scanner := bufio.NewScanner(&i.buf)
	for scanner.Scan() {
		n, err := i.writeLine(scanner.Bytes())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	if i.buf.Len() == 0 {
		return nil
	}
	_, err := i.writeLine(i.buf.Bytes())
	i.buf.Reset()
	return err
}
