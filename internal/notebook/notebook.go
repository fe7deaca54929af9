// Package notebook loads notebook documents (.ipynb) into ordered cells.
package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Cell is one notebook cell. Index counts every cell in the document,
// including markdown ones, so locations match what editors show.
type Cell struct {
	Index  int
	Type   string
	Source string
}

func (c Cell) IsCode() bool { return c.Type == "code" }

// Document is a loaded notebook. ID is the path relative to the source root.
type Document struct {
	ID    string
	Cells []Cell
}

// CodeCells returns only the code cells, in order.
func (d Document) CodeCells() []Cell {
	out := make([]Cell, 0, len(d.Cells))
	for _, c := range d.Cells {
		if c.IsCode() {
			out = append(out, c)
		}
	}
	return out
}

type rawNotebook struct {
	Cells []struct {
		CellType string          `json:"cell_type"`
		Source   json.RawMessage `json:"source"`
	} `json:"cells"`
}

// Decode parses ipynb JSON. Cell sources may be a string or a list of
// line strings, as nbformat allows both.
func Decode(id string, data []byte) (Document, error) {
	var nb rawNotebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return Document{}, fmt.Errorf("notebook %s: %w", id, err)
	}
	doc := Document{ID: id, Cells: make([]Cell, 0, len(nb.Cells))}
	for i, c := range nb.Cells {
		src, err := decodeSource(c.Source)
		if err != nil {
			return Document{}, fmt.Errorf("notebook %s: cell %d: %w", id, i, err)
		}
		doc.Cells = append(doc.Cells, Cell{Index: i, Type: c.CellType, Source: src})
	}
	return doc, nil
}

func decodeSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", fmt.Errorf("source must be a string or a list of strings")
	}
	return strings.Join(lines, ""), nil
}

// ReadFile loads the notebook at path.
func ReadFile(path, id string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Decode(id, data)
}
