// Package hashkey derives the stable string identifier used to name a
// segment's on-disk directory from an arbitrary user key.
package hashkey

import (
	"fmt"

	blake3 "lukechampine.com/blake3"
)

// Of hashes data (typically a serialized user key) into a fixed-width hex
// string that is safe to use as a path component, independent of the key
// type's own String() representation.
func Of(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}
