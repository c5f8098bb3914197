// Package util provides shared utility functions for the document portal.
package util

import (
	"errors"
	"os"

	"github.com/avast/retry-go/v4"
)

// ErrCollision marks a randomly generated name that is already taken.
var ErrCollision = errors.New("name collision")

// MaxTempfileAttempts bounds the number of random tempfile names tried.
const MaxTempfileAttempts = 100

// MaxIDAttempts bounds the number of random document ids tried.
const MaxIDAttempts = 1000

// CollisionRetryOptions returns options that retry immediately, without
// delay, as long as fn reports a collision or an existing file.
func CollisionRetryOptions(attempts uint) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsCollision),
		retry.LastErrorOnly(true),
	}
}

// RetryOnCollision executes fn until it returns something other than a
// collision, or attempts run out.
func RetryOnCollision[T any](attempts uint, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, CollisionRetryOptions(attempts)...)
}

// IsCollision returns true if the error indicates a taken name.
func IsCollision(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCollision) || errors.Is(err, os.ErrExist)
}
