package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/headlands-org/go-quicksim/search"
)

type jsonRecord struct {
	ID     json.RawMessage `json:"id"`
	Vector []float32       `json:"vector"`
}

// Labeled is a VectorSet whose dense ids map back to external labels.
type Labeled struct {
	Set    *search.VectorSet
	Labels []string
}

// Label returns the external label of id, or the id itself when unlabeled.
func (l *Labeled) Label(id int32) string {
	if int(id) < len(l.Labels) && l.Labels[id] != "" {
		return l.Labels[id]
	}
	return fmt.Sprint(id)
}

// ReadJSONL reads one {"id": ..., "vector": [...]} object per line. Dense ids
// follow line order; the "id" field, string or number, becomes the label.
func ReadJSONL(r io.Reader) (*Labeled, error) {
	var (
		vectors [][]float32
		labels  []string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec jsonRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", line, err)
		}
		labels = append(labels, rawLabel(rec.ID))
		vectors = append(vectors, rec.Vector)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	set, err := search.NewVectorSet(vectors)
	if err != nil {
		return nil, err
	}
	return &Labeled{Set: set, Labels: labels}, nil
}

func rawLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// WriteJSONL writes set as JSON lines, using labels when present.
func WriteJSONL(w io.Writer, l *Labeled) error {
	enc := json.NewEncoder(w)
	var err error
	l.Set.Each(func(id int32, vec []float32) {
		if err != nil {
			return
		}
		err = enc.Encode(struct {
			ID     string    `json:"id"`
			Vector []float32 `json:"vector"`
		}{ID: l.Label(id), Vector: vec})
	})
	return err
}
