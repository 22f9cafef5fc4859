package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomDuration returns a uniformly random duration in [min, max).
// Used to jitter client clusters away from synchronized retries.
func RandomDuration(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	n, err := RandomIntn(int(max - min))
	if err != nil {
		return 0, err
	}
	return min + time.Duration(n), nil
}
