package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"seqfeed/logger"
	"seqfeed/models"
)

// JSONFileSink writes the series as an indented JSON array of records,
// newline terminated. Symbol and side bytes that are not valid UTF-8 are
// replaced with U+FFFD; use a parquet sink when the raw bytes matter.
type JSONFileSink struct {
	path   string
	indent string
	log    *logger.Log
}

func NewJSONFileSink(path string, indent int) *JSONFileSink {
	if path == "" {
		path = "output.json"
	}
	if indent < 0 {
		indent = 0
	}
	return &JSONFileSink{
		path:   path,
		indent: strings.Repeat(" ", indent),
		log:    logger.GetLogger(),
	}
}

func (s *JSONFileSink) Name() string { return "json" }

func (s *JSONFileSink) Path() string { return s.path }

// Write replaces the file contents. The data goes to a temporary file in the
// same directory first so a failed write never leaves a half-written array.
func (s *JSONFileSink) Write(ctx context.Context, batch models.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := batch.Records
	if records == nil {
		records = []models.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", s.indent)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	data := buf.Bytes()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".seqfeed-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename to %s: %w", s.path, err)
	}

	s.log.WithComponent("json_sink").WithFields(logger.Fields{
		"path":    s.path,
		"records": len(records),
		"bytes":   len(data),
	}).Info("series written")
	return nil
}

func (s *JSONFileSink) Close() error { return nil }
