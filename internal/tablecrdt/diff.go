package tablecrdt

import (
	"maps"
	"slices"
	"sort"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
)

// Patch is the key-level difference between a shared map and a desired state.
type Patch struct {
	Set    map[string]string
	Delete []string
}

// Empty reports whether applying the patch would change nothing.
func (p Patch) Empty() bool {
	return len(p.Set) == 0 && len(p.Delete) == 0
}

// Diff computes the keys to set and the keys to delete so that current
// becomes desired. Equal keys are left out.
func Diff(current, desired map[string]string) Patch {
	patch := Patch{Set: map[string]string{}}
	for key, value := range desired {
		if existing, ok := current[key]; !ok || existing != value {
			patch.Set[key] = value
		}
	}
	for key := range current {
		if _, ok := desired[key]; !ok {
			patch.Delete = append(patch.Delete, key)
		}
	}
	sort.Strings(patch.Delete)
	return patch
}

// readStrings flattens a shared map into its string-valued entries. Keys
// holding nested containers are returned separately so they can be removed.
func readStrings(source crdt.Map) (map[string]string, []string, error) {
	keys, err := source.Keys()
	if err != nil {
		return nil, nil, err
	}
	values := make(map[string]string, len(keys))
	var foreign []string
	for _, key := range keys {
		value, ok, err := source.String(key)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			foreign = append(foreign, key)
			continue
		}
		values[key] = value
	}
	return values, foreign, nil
}

// applyDiff brings target in line with desired, touching only changed keys.
func applyDiff(target crdt.Map, desired map[string]string) error {
	current, foreign, err := readStrings(target)
	if err != nil {
		return err
	}
	patch := Diff(current, desired)
	for _, key := range sortedKeys(patch.Set) {
		if err := target.SetString(key, patch.Set[key]); err != nil {
			return err
		}
	}
	for _, key := range patch.Delete {
		if err := target.Delete(key); err != nil {
			return err
		}
	}
	for _, key := range foreign {
		if _, wanted := desired[key]; wanted {
			continue
		}
		if err := target.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](values map[string]V) []string {
	return slices.Sorted(maps.Keys(values))
}
