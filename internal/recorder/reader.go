package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const maxLine = 4 << 20

// Reader iterates the entries of a frame log.
type Reader struct {
	file    *os.File
	decoder *zstd.Decoder
	scanner *bufio.Scanner
	line    int
}

// Open opens a frame log written by Recorder.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{file: file, decoder: decoder, scanner: scanner}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (Entry, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return Entry{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return e, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

// Close releases the decoder and the file.
func (r *Reader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}
