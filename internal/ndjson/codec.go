// Package ndjson implements the newline-delimited JSON framing used by the
// audit log and the dedup index: one record per line, append-only, bounded
// line size so a corrupt file cannot make a reader allocate without limit.
package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxRecordSize is the maximum encoded size of a single line (256 KiB)
const MaxRecordSize = 256 * 1024

// Encoder writes records to an output stream, one JSON object per line
type Encoder struct {
	writer *bufio.Writer
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Encode writes a record as a single JSON line and flushes immediately,
// so a crash never loses more than the entry being written.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if len(data) > MaxRecordSize {
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxRecordSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads records from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)

	// Default scanner buffer is 64 KiB, which would truncate larger lines
	buf := make([]byte, MaxRecordSize)
	scanner.Buffer(buf, MaxRecordSize)

	return &Decoder{scanner: scanner}
}

// Decode reads the next record, skipping blank lines. Returns io.EOF at
// end of input.
func (d *Decoder) Decode(v any) error {
	for d.scanner.Scan() {
		d.lineNum++
		data := d.scanner.Bytes()

		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}

	if err := d.scanner.Err(); err != nil {
		return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
	}
	return io.EOF
}
