// Package fasta contains minimal helpers for FASTA formatted data. The
// pipeline treats sequences as opaque blobs for the external tool, so parsing
// here is limited to what upload validation needs.
package fasta

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Record is a single FASTA record (header line without '>' and the
// concatenated sequence).
type Record struct {
	Header   string
	Sequence string
}

// Parse reads FASTA records from r. Sequence lines are concatenated, blank
// lines are skipped. An error is returned if sequence data appears before the
// first header.
func Parse(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	var current *Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ">") {
			if current != nil {
				records = append(records, *current)
			}
			current = &Record{Header: strings.TrimSpace(text[1:])}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("line %d: sequence data before first header", line)
		}
		current.Sequence += text
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading fasta: %w", err)
	}
	if current != nil {
		records = append(records, *current)
	}
	return records, nil
}

// CountRecords scans r and returns the number of FASTA records without
// retaining sequence data. Used to validate uploads and report per-sample
// sequence counts.
func CountRecords(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	count := 0
	sawSequence := false
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ">") {
			count++
			continue
		}
		if count == 0 {
			return 0, fmt.Errorf("line %d: sequence data before first header", line)
		}
		sawSequence = true
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading fasta: %w", err)
	}
	if count > 0 && !sawSequence {
		return 0, fmt.Errorf("fasta contains headers but no sequence data")
	}
	return count, nil
}
