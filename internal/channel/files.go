package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// countingWriter records how many bytes went through.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// saveAttachment creates a fresh file in dir and lets write fill it. The file
// is removed if write fails or produces nothing.
func saveAttachment(dir, ext string, write func(w io.Writer) error) (string, error) {
	path := filepath.Join(dir, uuid.NewString()+ext)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	cw := &countingWriter{w: out}
	err = write(cw)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && cw.n == 0 {
		err = errors.New("file is empty")
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func fileExt(names ...string) string {
	for _, name := range names {
		if ext := filepath.Ext(name); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return ".jpg"
}
