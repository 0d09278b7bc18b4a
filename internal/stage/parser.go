package stage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

// DefaultMaxLineSize is the maximum size (in bytes) of a single staged line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

// RawLineField holds the original line for rows that did not parse as a
// JSON object. Such rows still enter the raw log and are dead-lettered by
// the transform, so nothing is silently dropped at the stage boundary.
const RawLineField = "_raw"

// ParseEventFile reads one staged file of newline-delimited JSON events into
// raw records. source_file_id is the file's base name and the row ordinal is
// the zero-based line index. Blank lines are skipped.
func ParseEventFile(path, fileID string) ([]*model.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	loadTS := time.Now().UTC()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxLineSize)

	var records []*model.RawRecord
	ordinal := 0
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			ordinal++
			continue
		}
		records = append(records, &model.RawRecord{
			SourceFileID:     fileID,
			SourceRowOrdinal: ordinal,
			LoadTimestamp:    loadTS,
			Fields:           ParseEventLine(line),
		})
		ordinal++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan staged file: %w", err)
	}
	return records, nil
}

// ParseEventLine decodes one JSON object into a flat string field map.
// Scalar values are stringified; nested values keep their JSON encoding.
// A line that is not a JSON object is preserved under RawLineField.
func ParseEventLine(line string) map[string]string {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return map[string]string{RawLineField: line}
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		fields[k] = stringifyValue(v)
	}
	return fields
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
