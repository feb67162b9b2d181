// Package batch partitions submitted item ids into fixed-size batches.
package batch

import (
	"errors"
	"fmt"
)

// DefaultSize is the number of items per batch when none is configured.
const DefaultSize = 3

var (
	ErrInvalidSize = errors.New("batch size must be at least 1")
	ErrEmptyItems  = errors.New("items slice cannot be empty")
)

// Split partitions ids into consecutive batches of size items. Only the final
// batch may be shorter. The returned batches share no memory with ids.
func Split(ids []int64, size int) ([][]int64, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyItems
	}

	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, append([]int64(nil), ids[start:end]...))
	}
	return out, nil
}
