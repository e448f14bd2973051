// Package merge reconciles a local entity collection with a remote one.
//
// The functions here are pure: inputs are never modified and the output
// depends only on the inputs. Per record, the newer lastModified wins. On an
// exact tie the sub-items are merged with local content taking priority and
// the record is tagged merged; ties never take the replace branch, which is
// what lets repeated merges converge.
package merge

import (
	"cmp"
	"slices"
	"time"

	"github.com/habittrack/habitsync/internal/schema"
)

// Adapter tells Merge how to read and tag one entity type.
type Adapter[E any, K cmp.Ordered] struct {
	// Key returns the natural key.
	Key func(E) K
	// LastModified returns the conflict-resolution timestamp.
	LastModified func(E) time.Time
	// Clone returns a deep copy so the output never aliases the input.
	Clone func(E) E
	// Tag sets the record's source.
	Tag func(E, schema.Source) E
	// MergeTie combines two records with equal timestamps. The result keeps
	// the local record's fields except where sub-items are filled in.
	MergeTie func(local, remote E) E
}

// Merge reconciles local and remote and returns the result sorted by key
// descending.
func Merge[E any, K cmp.Ordered](a Adapter[E, K], local, remote []E) []E {
	byKey := make(map[K]E, len(local)+len(remote))
	keys := make([]K, 0, len(local)+len(remote))

	for _, l := range local {
		k := a.Key(l)
		if _, dup := byKey[k]; !dup {
			keys = append(keys, k)
		}
		byKey[k] = a.Tag(a.Clone(l), schema.SourceLocal)
	}

	for _, r := range remote {
		k := a.Key(r)
		l, ok := byKey[k]
		if !ok {
			keys = append(keys, k)
			byKey[k] = a.Tag(a.Clone(r), schema.SourceRemote)
			continue
		}

		lt, rt := a.LastModified(l), a.LastModified(r)
		switch {
		case rt.After(lt):
			byKey[k] = a.Tag(a.Clone(r), schema.SourceRemote)
		case lt.After(rt):
			// local wins
		default:
			byKey[k] = a.Tag(a.MergeTie(l, a.Clone(r)), schema.SourceMerged)
		}
	}

	slices.SortFunc(keys, func(x, y K) int { return cmp.Compare(y, x) })

	out := make([]E, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// NetNew returns how many records the merge added beyond the larger input,
// floored at zero.
func NetNew(merged, local, remote int) int {
	return max(merged-max(local, remote), 0)
}
