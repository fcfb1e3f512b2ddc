package crypto

import "crypto/sha256"

var (
	DefaultHashFunc = sha256.New
)

const (
	// DefaultHashSize is the output size of DefaultHashFunc.
	DefaultHashSize = sha256.Size
)
