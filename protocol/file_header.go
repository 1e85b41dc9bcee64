package protocol

import (
	"strconv"
	"strings"
)

const filePrefix = "FILE|"

// FileHeader announces Size raw bytes that follow the header line on the
// same stream.
type FileHeader struct {
	Sender string
	Target string
	Name   string
	Size   int64
}

// String encodes the header as a FILE line without terminator.
func (h FileHeader) String() string {
	return filePrefix + h.Sender + "|" + h.Target + "|" + h.Name + "|" + strconv.FormatInt(h.Size, 10)
}

// IsFileHeader reports whether line starts a FILE frame.
func IsFileHeader(line string) bool {
	return strings.HasPrefix(line, filePrefix)
}

// ParseFileHeader decodes "FILE|sender|target|filename|size". Display
// names never contain "|", so any extra separators belong to the filename.
//
// Returns:
//   - The header
//   - A *UsageError if a field is missing or empty, or size is not a
//     non-negative integer
func ParseFileHeader(line string) (FileHeader, error) {
	malformed := &UsageError{Command: "FILE", Usage: UsageFile}

	parts := strings.Split(line, "|")
	if len(parts) < 5 || parts[0] != "FILE" {
		return FileHeader{}, malformed
	}

	last := len(parts) - 1
	h := FileHeader{
		Sender: parts[1],
		Target: parts[2],
		Name:   strings.Join(parts[3:last], "|"),
	}

	if h.Sender == "" || h.Target == "" || h.Name == "" {
		return FileHeader{}, malformed
	}

	size, err := strconv.ParseInt(strings.TrimSpace(parts[last]), 10, 64)
	if err != nil || size < 0 {
		return FileHeader{}, malformed
	}

	h.Size = size
	return h, nil
}
