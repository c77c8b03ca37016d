// Package textdiff summarises line-level differences between two versions.
package textdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	ChangeInserted = "inserted"
	ChangeDeleted  = "deleted"
)

type Hunk struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

type Result struct {
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Changed bool   `json:"changed"`
	Hunks   []Hunk `json:"hunks"`
}

// Lines diffs from and to line by line. Unchanged runs are omitted from Hunks.
func Lines(from, to string) Result {
	if from == to {
		return Result{Hunks: []Hunk{}}
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(from, to)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	result := Result{Changed: true, Hunks: []Hunk{}}
	for _, d := range diffs {
		var kind string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = ChangeInserted
		case diffmatchpatch.DiffDelete:
			kind = ChangeDeleted
		default:
			continue
		}
		block := splitLines(d.Text)
		if kind == ChangeInserted {
			result.Added += len(block)
		} else {
			result.Removed += len(block)
		}
		result.Hunks = append(result.Hunks, Hunk{Type: kind, Lines: block})
	}
	return result
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}
	return strings.Split(text, "\n")
}
