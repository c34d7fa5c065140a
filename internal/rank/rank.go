package rank

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// digits is the ordered rank alphabet; ASCII order matches digit value.
const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

const base = len(digits)

var (
	// ErrInvalidRank indicates that a rank is empty, uses characters outside the alphabet, or ends with the zero digit.
	ErrInvalidRank = errors.New("rank: invalid rank")
	// ErrRankOrder indicates that the lower bound does not sort before the upper bound.
	ErrRankOrder = errors.New("rank: lower bound must sort before upper bound")
)

// Item is anything positioned by a rank string.
type Item struct {
	ID    string
	Order string
}

// Strategy allocates rank strings that can always be subdivided.
type Strategy interface {
	NextAfterLast(ranks []string) (string, error)
	Between(lower, upper string) (string, error)
	RecomputeAfterMove(items []Item, movedID, beforeID string) (string, bool)
}

// Base36 is a variable-length base-36 rank strategy. Inserting between two
// adjacent ranks extends the key instead of losing precision.
type Base36 struct{}

// Default is the strategy used by the package-level helpers.
var Default Strategy = Base36{}

// NextAfterLast returns a rank that sorts after every rank in ranks.
func NextAfterLast(ranks []string) (string, error) {
	return Default.NextAfterLast(ranks)
}

// Between returns a rank strictly between lower and upper. An empty bound is open.
func Between(lower, upper string) (string, error) {
	return Default.Between(lower, upper)
}

// RecomputeAfterMove returns the new rank for movedID when placed directly
// before beforeID, or at the end when beforeID is empty. The boolean is false
// when no rank can be produced and the order must stay unchanged.
func RecomputeAfterMove(items []Item, movedID, beforeID string) (string, bool) {
	return Default.RecomputeAfterMove(items, movedID, beforeID)
}

// Respace gives every item a distinct rank without changing the sorted order
// and returns only the items whose rank changed. Members of a tie after the
// first move up between the tied rank and the next distinct rank. Moves next
// to a tied neighbour have no rank until the tie is respaced.
func Respace(items []Item) ([]Item, error) {
	sorted := Sort(items)
	original := make([]string, len(sorted))
	for index, item := range sorted {
		original[index] = item.Order
	}
	var changed []Item
	for index := 1; index < len(sorted); index++ {
		if original[index] != original[index-1] {
			continue
		}
		upper := ""
		for next := index + 1; next < len(sorted); next++ {
			if original[next] != original[index] {
				upper = original[next]
				break
			}
		}
		value, err := Default.Between(sorted[index-1].Order, upper)
		if err != nil {
			return nil, err
		}
		sorted[index].Order = value
		changed = append(changed, sorted[index])
	}
	return changed, nil
}

// Validate reports whether value is a well-formed rank.
func Validate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRank)
	}
	for index := 0; index < len(value); index++ {
		if digitValue(value[index]) < 0 {
			return fmt.Errorf("%w: %q has invalid character at %d", ErrInvalidRank, value, index)
		}
	}
	if value[len(value)-1] == digits[0] {
		return fmt.Errorf("%w: %q ends with zero digit", ErrInvalidRank, value)
	}
	return nil
}

func (Base36) NextAfterLast(ranks []string) (string, error) {
	last := ""
	for _, value := range ranks {
		if err := Validate(value); err != nil {
			return "", err
		}
		if value > last {
			last = value
		}
	}
	return midpoint(last, ""), nil
}

func (Base36) Between(lower, upper string) (string, error) {
	if lower != "" {
		if err := Validate(lower); err != nil {
			return "", err
		}
	}
	if upper != "" {
		if err := Validate(upper); err != nil {
			return "", err
		}
	}
	if lower != "" && upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: %q >= %q", ErrRankOrder, lower, upper)
	}
	return midpoint(lower, upper), nil
}

func (strategy Base36) RecomputeAfterMove(items []Item, movedID, beforeID string) (string, bool) {
	if beforeID == movedID {
		return "", false
	}
	remaining, found := without(items, movedID)
	if !found {
		return "", false
	}
	index := len(remaining)
	if beforeID != "" {
		index = slices.IndexFunc(remaining, func(item Item) bool {
			return item.ID == beforeID
		})
		if index < 0 {
			return "", false
		}
	}
	return strategy.rankAt(remaining, index)
}

// RankForIndex returns the rank movedID needs to land at index once the
// collection is re-sorted. Index 0 yields a rank before the current first
// item; an index past the end appends.
func RankForIndex(items []Item, movedID string, index int) (string, bool) {
	if index < 0 {
		return "", false
	}
	remaining, found := without(items, movedID)
	if !found {
		return "", false
	}
	if index > len(remaining) {
		index = len(remaining)
	}
	return Base36{}.rankAt(remaining, index)
}

// Sort returns a copy of items ordered by rank. Equal ranks, which concurrent
// peers can produce independently, fall back to id order.
func Sort(items []Item) []Item {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(left, right Item) int {
		if order := cmp.Compare(left.Order, right.Order); order != 0 {
			return order
		}
		return cmp.Compare(left.ID, right.ID)
	})
	return sorted
}

func without(items []Item, id string) ([]Item, bool) {
	sorted := Sort(items)
	remaining := make([]Item, 0, len(sorted))
	found := false
	for _, item := range sorted {
		if item.ID == id {
			found = true
			continue
		}
		remaining = append(remaining, item)
	}
	return remaining, found
}

func (strategy Base36) rankAt(sorted []Item, index int) (string, bool) {
	lower := ""
	if index > 0 {
		lower = sorted[index-1].Order
	}
	upper := ""
	if index < len(sorted) {
		upper = sorted[index].Order
	}
	value, err := strategy.Between(lower, upper)
	if err != nil {
		return "", false
	}
	return value, true
}

// midpoint assumes lower < upper (or upper open) and that neither ends in zero.
func midpoint(lower, upper string) string {
	if upper != "" {
		shared := 0
		for shared < len(upper) && digitAt(lower, shared) == upper[shared] {
			shared++
		}
		if shared > 0 {
			return upper[:shared] + midpoint(tail(lower, shared), upper[shared:])
		}
	}
	low := digitValue(digitAt(lower, 0))
	high := base
	if upper != "" {
		high = digitValue(upper[0])
	}
	if high-low > 1 {
		return string(digits[(low+high)/2])
	}
	if upper != "" && len(upper) > 1 {
		return upper[:1]
	}
	return string(digits[low]) + midpoint(tail(lower, 1), "")
}

func digitAt(value string, index int) byte {
	if index < len(value) {
		return value[index]
	}
	return digits[0]
}

func tail(value string, offset int) string {
	if offset >= len(value) {
		return ""
	}
	return value[offset:]
}

func digitValue(char byte) int {
	switch {
	case char >= '0' && char <= '9':
		return int(char - '0')
	case char >= 'a' && char <= 'z':
		return int(char-'a') + 10
	default:
		return -1
	}
}
