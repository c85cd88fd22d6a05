// Package encoder implements D-TOON, a table-oriented text encoding of
// extracted documents that spends far fewer tokens than the equivalent JSON.
//
// An encoded document is one header line naming the columns followed by one
// indented line per field:
//
//	fields[3]{name,value,conf}:
//	  invoice_no,INV-0042,0.99
//	  vendor,"Acme, Inc.",0.97
//	  total,1234.50,
//
// Columns are always name and value, then bbox and conf when requested and at
// least one emitted field carries them. Cells are separated by a comma; a cell
// that is empty, carries a separator, quote, backslash or control character,
// or has surrounding whitespace is written as a JSON string literal. A bbox
// cell is "x y w h". Numbers use JSON number formatting and absent optional
// cells are left empty. The grammar is stable: prompts depend on it.
package encoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/tokens"
)

const (
	tableName = "fields"

	colName       = "name"
	colValue      = "value"
	colBBox       = "bbox"
	colConfidence = "conf"
)

// Encoder encodes documents with a fixed set of options.
type Encoder struct {
	opts Options
}

// New validates opts and returns an Encoder.
func New(opts Options) (*Encoder, error) {
	c := opts.MinConfidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return nil, &config.Error{
			Field:  "encoding.min_confidence",
			Reason: fmt.Sprintf("%v is outside [0,1]", c),
		}
	}
	return &Encoder{opts: opts}, nil
}

// Encode is a convenience wrapper for New(opts).Encode(doc).
func Encode(doc Document, opts Options) (*Encoded, error) {
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	return e.Encode(doc)
}

// Options returns the options the encoder was built with.
func (e *Encoder) Options() Options {
	return e.opts
}

// CompressionRatio returns the verbose and compact token counts of doc and
// their ratio.
func (e *Encoder) CompressionRatio(doc Document) (jsonTokens, toonTokens int, ratio float64, err error) {
	enc, err := e.Encode(doc)
	if err != nil {
		return 0, 0, 0, err
	}
	return enc.JSONTokens, enc.TOONTokens, enc.Ratio, nil
}

// Encode produces the compact encoding of doc.
func (e *Encoder) Encode(doc Document) (*Encoded, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}

	rows := e.filter(doc.Fields)
	withBBox, withConf := e.columns(rows)

	text, err := compact(rows, withBBox, withConf)
	if err != nil {
		return nil, err
	}
	toon := tokens.Estimate(text)

	if len(rows) == 0 {
		return &Encoded{Text: text, JSONTokens: toon, TOONTokens: toon, Ratio: 1.0}, nil
	}

	raw, err := verbose(rows, withBBox, withConf)
	if err != nil {
		return nil, err
	}
	jsonTokens := tokens.EstimateBytes(raw)

	return &Encoded{
		Text:       text,
		JSONTokens: jsonTokens,
		TOONTokens: toon,
		Ratio:      float64(jsonTokens) / float64(toon),
	}, nil
}

func validate(doc Document) error {
	seen := make(map[string]struct{}, len(doc.Fields))
	for _, f := range doc.Fields {
		if f.Name == "" {
			return &EncodingError{Reason: "field with empty name"}
		}
		if _, dup := seen[f.Name]; dup {
			return &EncodingError{Field: f.Name, Reason: "duplicate field name"}
		}
		seen[f.Name] = struct{}{}

		if f.Confidence != nil {
			c := *f.Confidence
			if math.IsNaN(c) || c < 0 || c > 1 {
				return &EncodingError{Field: f.Name, Reason: fmt.Sprintf("confidence %v is outside [0,1]", c)}
			}
		}
		if f.BBox != nil {
			for _, v := range [4]float64{f.BBox.X, f.BBox.Y, f.BBox.W, f.BBox.H} {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return &EncodingError{Field: f.Name, Reason: "bbox has a non-finite coordinate"}
				}
			}
		}
	}
	return nil
}

// filter drops fields whose confidence is below the threshold.
func (e *Encoder) filter(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if f.Confidence != nil && *f.Confidence < e.opts.MinConfidence {
			continue
		}
		out = append(out, f)
	}
	return out
}

// columns reports which optional columns the surviving rows need.
func (e *Encoder) columns(rows []Field) (withBBox, withConf bool) {
	for _, f := range rows {
		if e.opts.IncludeBBox && f.BBox != nil {
			withBBox = true
		}
		if e.opts.IncludeConfidence && f.Confidence != nil {
			withConf = true
		}
	}
	return withBBox, withConf
}

func header(n int, withBBox, withConf bool) string {
	cols := []string{colName, colValue}
	if withBBox {
		cols = append(cols, colBBox)
	}
	if withConf {
		cols = append(cols, colConfidence)
	}
	return tableName + "[" + strconv.Itoa(n) + "]{" + strings.Join(cols, ",") + "}:"
}

func compact(rows []Field, withBBox, withConf bool) (string, error) {
	var b strings.Builder
	b.WriteString(header(len(rows), withBBox, withConf))

	for _, f := range rows {
		b.WriteString("\n  ")
		if err := writeCell(&b, f.Name); err != nil {
			return "", err
		}
		b.WriteByte(',')
		if err := writeCell(&b, f.Value); err != nil {
			return "", err
		}
		if withBBox {
			b.WriteByte(',')
			if f.BBox != nil {
				for i, v := range [4]float64{f.BBox.X, f.BBox.Y, f.BBox.W, f.BBox.H} {
					if i > 0 {
						b.WriteByte(' ')
					}
					s, err := formatNumber(v)
					if err != nil {
						return "", err
					}
					b.WriteString(s)
				}
			}
		}
		if withConf {
			b.WriteByte(',')
			if f.Confidence != nil {
				s, err := formatNumber(*f.Confidence)
				if err != nil {
					return "", err
				}
				b.WriteString(s)
			}
		}
	}
	return b.String(), nil
}

type verboseRow struct {
	Name       string   `json:"name"`
	Value      string   `json:"value"`
	BBox       *Rect    `json:"bbox,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// verbose renders the key-repeating JSON form the compact text is measured
// against.
func verbose(rows []Field, withBBox, withConf bool) ([]byte, error) {
	out := make([]verboseRow, len(rows))
	for i, f := range rows {
		out[i] = verboseRow{Name: f.Name, Value: f.Value}
		if withBBox {
			out[i].BBox = f.BBox
		}
		if withConf {
			out[i].Confidence = f.Confidence
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal verbose form: %w", err)
	}
	return b, nil
}

func writeCell(b *strings.Builder, s string) error {
	if bare(s) {
		b.WriteString(s)
		return nil
	}
	q, err := quote(s)
	if err != nil {
		return err
	}
	b.WriteString(q)
	return nil
}

// bare reports whether s can be written without quoting.
func bare(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(s)
	last, _ := utf8.DecodeLastRuneInString(s)
	if unicode.IsSpace(first) || unicode.IsSpace(last) {
		return false
	}
	for _, r := range s {
		switch {
		case r == ',', r == '"', r == '\\':
			return false
		case unicode.IsControl(r), r == '\u2028', r == '\u2029':
			return false
		}
	}
	return true
}

// quote writes s as a JSON string literal without HTML escaping.
func quote(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("quote cell: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// formatNumber uses the JSON number form so both encodings spell numbers
// identically.
func formatNumber(v float64) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("format number: %w", err)
	}
	return string(b), nil
}
