package encoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decode parses D-TOON text back into a document. Cells missing from a row
// decode as absent bbox or confidence.
func Decode(text string) (Document, error) {
	lines := strings.Split(text, "\n")
	n, cols, err := parseHeader(lines[0])
	if err != nil {
		return Document{}, err
	}
	rows := lines[1:]
	if len(rows) != n {
		return Document{}, fmt.Errorf("decode: header declares %d rows, found %d", n, len(rows))
	}

	doc := Document{Fields: make([]Field, 0, n)}
	for i, line := range rows {
		if !strings.HasPrefix(line, "  ") {
			return Document{}, fmt.Errorf("decode: row %d: missing indentation", i+1)
		}
		cells, err := splitCells(line[2:])
		if err != nil {
			return Document{}, fmt.Errorf("decode: row %d: %w", i+1, err)
		}
		if len(cells) != len(cols) {
			return Document{}, fmt.Errorf("decode: row %d: %d cells, want %d", i+1, len(cells), len(cols))
		}

		var f Field
		for j, col := range cols {
			cell := cells[j]
			switch col {
			case colName:
				f.Name = cell
			case colValue:
				f.Value = cell
			case colBBox:
				if cell == "" {
					continue
				}
				r, err := parseRect(cell)
				if err != nil {
					return Document{}, fmt.Errorf("decode: row %d: %w", i+1, err)
				}
				f.BBox = &r
			case colConfidence:
				if cell == "" {
					continue
				}
				c, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return Document{}, fmt.Errorf("decode: row %d: conf: %w", i+1, err)
				}
				f.Confidence = &c
			}
		}
		doc.Fields = append(doc.Fields, f)
	}
	return doc, nil
}

func parseHeader(line string) (int, []string, error) {
	rest, ok := strings.CutPrefix(line, tableName+"[")
	if !ok {
		return 0, nil, fmt.Errorf("decode: header must start with %q", tableName+"[")
	}
	num, rest, ok := strings.Cut(rest, "]{")
	if !ok {
		return 0, nil, fmt.Errorf("decode: malformed header %q", line)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, nil, fmt.Errorf("decode: bad row count %q", num)
	}
	list, ok := strings.CutSuffix(rest, "}:")
	if !ok {
		return 0, nil, fmt.Errorf("decode: header must end with %q", "}:")
	}

	cols := strings.Split(list, ",")
	if len(cols) < 2 || cols[0] != colName || cols[1] != colValue {
		return 0, nil, fmt.Errorf("decode: columns must begin with %s,%s", colName, colValue)
	}
	for _, c := range cols[2:] {
		if c != colBBox && c != colConfidence {
			return 0, nil, fmt.Errorf("decode: unknown column %q", c)
		}
	}
	return n, cols, nil
}

// splitCells splits a row on commas outside JSON string literals.
func splitCells(row string) ([]string, error) {
	var cells []string
	for {
		if strings.HasPrefix(row, `"`) {
			end := closingQuote(row)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			var s string
			if err := json.Unmarshal([]byte(row[:end+1]), &s); err != nil {
				return nil, fmt.Errorf("bad string literal: %w", err)
			}
			cells = append(cells, s)
			row = row[end+1:]
			if row == "" {
				return cells, nil
			}
			if row[0] != ',' {
				return nil, fmt.Errorf("expected ',' after string literal")
			}
			row = row[1:]
			continue
		}

		cell, rest, more := strings.Cut(row, ",")
		cells = append(cells, cell)
		if !more {
			return cells, nil
		}
		row = rest
	}
}

// closingQuote returns the index of the quote ending the literal at s[0].
func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func parseRect(cell string) (Rect, error) {
	parts := strings.Split(cell, " ")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("bbox: want 4 numbers, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return Rect{}, fmt.Errorf("bbox: %w", err)
		}
		v[i] = f
	}
	return Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}

// Verify decodes out and checks that it reproduces the rows e would emit for
// doc. Optional columns are compared only when out carries them.
func (e *Encoder) Verify(doc Document, out *Encoded) error {
	got, err := Decode(out.Text)
	if err != nil {
		return err
	}
	want := e.filter(doc.Fields)
	withBBox, withConf := e.columns(want)
	if len(got.Fields) != len(want) {
		return fmt.Errorf("verify: decoded %d rows, want %d", len(got.Fields), len(want))
	}
	for i, w := range want {
		g := got.Fields[i]
		if g.Name != w.Name || g.Value != w.Value {
			return fmt.Errorf("verify: row %d: decoded %q=%q, want %q=%q", i+1, g.Name, g.Value, w.Name, w.Value)
		}
		if withBBox && !sameRect(g.BBox, w.BBox) {
			return fmt.Errorf("verify: row %d (%s): bbox mismatch", i+1, w.Name)
		}
		if withConf && !sameFloat(g.Confidence, w.Confidence) {
			return fmt.Errorf("verify: row %d (%s): confidence mismatch", i+1, w.Name)
		}
	}
	return nil
}

func sameRect(a, b *Rect) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
