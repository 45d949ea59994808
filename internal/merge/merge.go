// Package merge combines the flower lists of two documents.
package merge

import (
	"fmt"

	"github.com/Fuabioo/flower-merge/internal/flower"
)

// Result summarizes one Combine call.
type Result struct {
	Added      int
	AddedNames []string
	// Skipped counts supplement entries that were not appended, either
	// because their name was already present or because they had none.
	Skipped int
}

// Combine appends to main every supplement entry whose name is not already
// present in main, in supplement order, and returns main.
//
// Entries of main are never removed, reordered or modified. Supplement
// entries with a missing or falsy name are skipped. Main entries without a
// name do not reserve any identity. Calling Combine again with the same
// supplement adds nothing.
func Combine(main, supplement *flower.Document) (*flower.Document, Result, error) {
	if main == nil {
		return nil, Result{}, fmt.Errorf("merge: main document: %w", flower.ErrMalformedDocument)
	}
	if supplement == nil {
		return nil, Result{}, fmt.Errorf("merge: supplement document: %w", flower.ErrMalformedDocument)
	}

	seen := make(map[string]struct{}, len(main.Flowers)+len(supplement.Flowers))
	for _, e := range main.Flowers {
		if key, ok := e.IdentityKey(); ok {
			seen[key] = struct{}{}
		}
	}

	var res Result
	for _, e := range supplement.Flowers {
		if !e.HasName() {
			res.Skipped++
			continue
		}
		key, _ := e.IdentityKey()
		if _, dup := seen[key]; dup {
			res.Skipped++
			continue
		}
		main.Append(e)
		seen[key] = struct{}{}
		res.Added++
		res.AddedNames = append(res.AddedNames, e.DisplayName())
	}

	return main, res, nil
}
