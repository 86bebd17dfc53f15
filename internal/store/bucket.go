package store

import "fmt"

// bucketPrefix is the fixed textual prefix for a per-epoch recovery bucket.
// The full name, lowercase hex zero-padded to 16 characters, is part of the
// on-disk format and MUST stay bit-exact across versions.
const bucketPrefix = "rec-"

func bucketName(epoch uint64) string {
	return fmt.Sprintf("%s%016x", bucketPrefix, epoch)
}
