package load

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/gocarina/gocsv"
)

// Input formats.
const (
	FormatLines = "lines"
	FormatCSV   = "csv"
	FormatJSON  = "json"
)

// Pair is one mapping read from the input. Remove is set for deletions.
type Pair struct {
	Key    string `csv:"key"`
	Value  string `csv:"value"`
	Remove bool   `csv:"-"`
}

// Read parses r in the given format. Later pairs for a key replace earlier
// ones; the result keeps the order of first appearance.
func Read(r io.Reader, format string) ([]Pair, error) {
	var (
		pairs []Pair
		err   error
	)
	switch format {
	case FormatLines:
		pairs, err = readLines(r)
	case FormatCSV:
		pairs, err = readCSV(r)
	case FormatJSON:
		pairs, err = readJSON(r)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return lastWins(pairs), nil
}

func lastWins(pairs []Pair) []Pair {
	index := make(map[string]int, len(pairs))
	out := pairs[:0]
	for _, p := range pairs {
		if i, ok := index[p.Key]; ok {
			out[i] = p
			continue
		}
		index[p.Key] = len(out)
		out = append(out, p)
	}
	return out
}

// maxLineSize bounds a single key=value line; no log record can be larger.
const maxLineSize = math.MaxInt32

// readLines reads key=value lines. Blank lines and lines starting with #
// are skipped; a line holding only "-key" removes key.
func readLines(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key := strings.TrimPrefix(line, "-"); key != line && !strings.Contains(key, "=") {
			pairs = append(pairs, Pair{Key: key, Remove: true})
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", lineNo, line)
		}
		pairs = append(pairs, Pair{Key: key, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return pairs, nil
}

// readCSV reads records with a key,value header.
func readCSV(r io.Reader) ([]Pair, error) {
	var rows []*Pair
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	pairs := make([]Pair, 0, len(rows))
	for _, row := range rows {
		pairs = append(pairs, *row)
	}
	return pairs, nil
}

// readJSON reads a flat JSON object. Strings are stored unquoted, null
// removes the key and any other value is stored as its JSON text.
func readJSON(r io.Reader) ([]Pair, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	var pairs []Pair
	err = jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		k, err := jsonparser.ParseString(key)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		p := Pair{Key: k}
		switch dataType {
		case jsonparser.Null:
			p.Remove = true
		case jsonparser.String:
			if p.Value, err = jsonparser.ParseString(value); err != nil {
				return fmt.Errorf("value of %q: %w", k, err)
			}
		default:
			p.Value = string(value)
		}
		pairs = append(pairs, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	return pairs, nil
}
