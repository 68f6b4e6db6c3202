package parser

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ContentHash returns a stable digest of file content. Unchanged bytes
// always produce the same hash, which is what drives incremental selection.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// CountLines returns the number of lines in data, counting a trailing
// partial line.
func CountLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
