package encoder

import (
	"encoding/json"
	"fmt"
)

// Rect is a field bounding box in page coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// MarshalJSON writes the box as a positional [x,y,w,h] array.
func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.X, r.Y, r.W, r.H})
}

// UnmarshalJSON reads a positional [x,y,w,h] array.
func (r *Rect) UnmarshalJSON(data []byte) error {
	var v [4]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	*r = Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return nil
}

// Field is one extracted key/value pair.
type Field struct {
	Name       string   `json:"name"`
	Value      string   `json:"value"`
	BBox       *Rect    `json:"bbox,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Document is an ordered set of extracted fields. Field names are unique.
type Document struct {
	Fields []Field `json:"fields"`
}

// Options controls which fields and columns are emitted.
type Options struct {
	IncludeBBox       bool    `yaml:"include_bbox" json:"include_bbox"`
	IncludeConfidence bool    `yaml:"include_confidence" json:"include_confidence"`
	MinConfidence     float64 `yaml:"min_confidence" json:"min_confidence"`
}

// Encoded is the compact encoding of a document plus its token accounting.
type Encoded struct {
	Text       string  `json:"text"`
	JSONTokens int     `json:"json_token_count"`
	TOONTokens int     `json:"toon_token_count"`
	Ratio      float64 `json:"ratio"`
}

// Rows returns the number of value rows in the encoded text.
func (e *Encoded) Rows() int {
	n := 0
	for i := 0; i < len(e.Text); i++ {
		if e.Text[i] == '\n' {
			n++
		}
	}
	return n
}

// EncodingError reports a malformed document.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return "encode document: " + e.Reason
	}
	return fmt.Sprintf("encode document: field %q: %s", e.Field, e.Reason)
}

// Float returns a pointer to v, for building fields with a confidence.
func Float(v float64) *float64 {
	return &v
}
