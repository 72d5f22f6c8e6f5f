package resolver

import (
	"strings"

	"github.com/rskumar/orderflow/internal/objectstore"
)

// LatestKeyPolicy chooses the "latest" result object among candidates.
type LatestKeyPolicy interface {
	Pick(objects []objectstore.Object) (objectstore.Object, bool)
}

// LexicographicLatest picks the greatest key. It is only a recency order
// when keys embed a sortable timestamp or run id.
type LexicographicLatest struct{}

func (LexicographicLatest) Pick(objects []objectstore.Object) (objectstore.Object, bool) {
	var best objectstore.Object
	found := false
	for _, o := range objects {
		if !found || o.Key > best.Key {
			best, found = o, true
		}
	}
	return best, found
}

// ModifiedLatest picks the most recently modified object, falling back to
// the key to break ties.
type ModifiedLatest struct{}

func (ModifiedLatest) Pick(objects []objectstore.Object) (objectstore.Object, bool) {
	var best objectstore.Object
	found := false
	for _, o := range objects {
		switch {
		case !found:
		case o.LastModified.After(best.LastModified):
		case o.LastModified.Equal(best.LastModified) && o.Key > best.Key:
		default:
			continue
		}
		best, found = o, true
	}
	return best, found
}

// PolicyByName maps a configuration value to a policy.
func PolicyByName(name string) (LatestKeyPolicy, bool) {
	switch strings.ToLower(name) {
	case "", "lexicographic":
		return LexicographicLatest{}, true
	case "modified":
		return ModifiedLatest{}, true
	}
	return nil, false
}
