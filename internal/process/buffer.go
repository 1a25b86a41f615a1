package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const truncatedMarker = "\n...[output truncated]"

// captureFile holds one output stream in an unlinked temp file. A file
// rather than a pipe means reaping never waits on children that inherited
// the stream, and the first max bytes are read back on demand.
type captureFile struct {
	file *os.File
	max  int
}

func newCaptureFile(dir, stream string, max int) (*captureFile, error) {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	file, err := os.CreateTemp(dir, "irctest-"+stream+"-*")
	if err != nil {
		return nil, fmt.Errorf("create %s capture: %w", stream, err)
	}
	// The open descriptors keep the data reachable after unlinking.
	if err := os.Remove(file.Name()); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("unlink %s capture: %w", stream, err)
	}
	return &captureFile{file: file, max: max}, nil
}

func (c *captureFile) snapshot() (string, bool) {
	if c == nil || c.file == nil {
		return "", false
	}
	info, err := c.file.Stat()
	if err != nil {
		return "", false
	}
	size := info.Size()
	n := size
	if n > int64(c.max) {
		n = int64(c.max)
	}
	buf := make([]byte, n)
	read, err := c.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return string(buf[:read]), false
	}
	if size <= int64(c.max) {
		return string(buf[:read]), false
	}
	return string(buf[:read]) + truncatedMarker, true
}

func (c *captureFile) Close() error {
	if c == nil || c.file == nil {
		return nil
	}
	return c.file.Close()
}
