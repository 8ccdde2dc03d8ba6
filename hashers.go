package doorman

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HasherFunc hashes a presented secret so it can be compared with a stored hash.
type HasherFunc func(string) string

var defaultHashers = map[string]HasherFunc{
	"md5":    stringHashMd5,
	"sha1":   stringHashSha1,
	"sha256": stringHashSha256,
}

func WithHashAlgorithm(name string, f HasherFunc) Option {
	return func(dm *Doorman) error {
		if name == "" || f == nil {
			return fmt.Errorf("hash algorithm must not be empty")
		}
		dm.hashers[name] = f
		return nil
	}
}

// hasher returns nil for an empty name.
func (dm *Doorman) hasher(name string) (HasherFunc, error) {
	if name == "" {
		return nil, nil
	}
	h, found := dm.hashers[name]
	if !found {
		return nil, fmt.Errorf("%w: invalid hash algorithm: %s", ErrInvalidOptions, name)
	}
	return h, nil
}

func stringHashSha256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func stringHashSha1(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func stringHashMd5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
