// Package extract turns extraction result files, as written by an OCR step,
// into compressed batch results.
package extract

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/assaab/DeepCompress/internal/batch"
	"github.com/assaab/DeepCompress/internal/encoder"
	"github.com/assaab/DeepCompress/internal/pricing"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// File is a decoded extraction result.
type File struct {
	DocumentID string
	Document   encoder.Document
}

type rawField struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	BBox       *encoder.Rect   `json:"bbox"`
	Confidence *float64        `json:"confidence"`
}

type rawFile struct {
	DocumentID string     `json:"document_id"`
	Fields     []rawField `json:"fields"`
}

// Parse validates data against the extraction schema and decodes it.
// Non-string values keep their JSON spelling; null becomes empty.
func Parse(data []byte) (*File, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal extraction: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return nil, fmt.Errorf("extraction does not match schema: %w", err)
	}

	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}

	f := &File{DocumentID: raw.DocumentID}
	f.Document.Fields = make([]encoder.Field, 0, len(raw.Fields))
	for _, rf := range raw.Fields {
		f.Document.Fields = append(f.Document.Fields, encoder.Field{
			Name:       rf.Name,
			Value:      valueText(rf.Value),
			BBox:       rf.BBox,
			Confidence: rf.Confidence,
		})
	}
	return f, nil
}

func valueText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// ReadFile reads and parses the extraction file at path. A missing
// document_id is derived from the absolute path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read extraction file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.DocumentID == "" {
		f.DocumentID = DocumentID(path)
	}
	return f, nil
}

// DocumentID returns a stable name-based UUID for the file at path.
func DocumentID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}

// Compressor encodes extraction files and prices the saved tokens with the
// input price of model.
type Compressor struct {
	enc   *encoder.Encoder
	model string
}

// New returns a Compressor. It fails on invalid encoding options.
func New(opts encoder.Options, model string) (*Compressor, error) {
	enc, err := encoder.New(opts)
	if err != nil {
		return nil, err
	}
	if _, err := compiledSchema(); err != nil {
		return nil, err
	}
	return &Compressor{enc: enc, model: model}, nil
}

// Compress implements batch.Compressor.
func (c *Compressor) Compress(ctx context.Context, path string) (*batch.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	enc, err := c.enc.Encode(f.Document)
	if err != nil {
		return nil, err
	}
	if len(f.Document.Fields) > 0 && enc.Rows() == 0 {
		log.Printf("EXTRACT: %s: all %d fields below min confidence %.2f",
			path, len(f.Document.Fields), c.enc.Options().MinConfidence)
	}

	saved := enc.JSONTokens - enc.TOONTokens
	return &batch.Result{
		DocumentID:       f.DocumentID,
		OriginalTokens:   enc.JSONTokens,
		CompressedTokens: enc.TOONTokens,
		CompressionRatio: enc.Ratio,
		OptimizedText:    enc.Text,
		TokensSaved:      saved,
		CostSavedUSD:     pricing.InputCost(c.model, saved),
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}
