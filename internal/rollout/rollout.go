// Package rollout assigns entities to percentage rollouts.
//
// An entity lands in a bucket 0-99 derived from xxHash(entityID:featureID:salt).
// The entity is in the rollout when its bucket is below the percentage, so
// raising a percentage from 25 to 50 only adds entities.
package rollout

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidRollout is returned when the rollout percentage is not in the valid range (0-100).
var ErrInvalidRollout = errors.New("rollout must be between 0 and 100")

// Bucket returns a deterministic bucket (0-99) for the entity and feature,
// or -1 when entityID is empty.
func Bucket(entityID, featureID, salt string) int {
	if entityID == "" {
		return -1
	}
	key := entityID + ":" + featureID + ":" + salt
	return int(xxhash.Sum64String(key) % 100)
}

// Validate checks that percentage is within 0-100.
func Validate(percentage int) error {
	if percentage < 0 || percentage > 100 {
		return ErrInvalidRollout
	}
	return nil
}

// IsRolledOut reports whether the entity is included in the feature's rollout.
//
//   - 100 includes everyone, including an empty entity id
//   - 0 includes no one
//   - an empty entity id is excluded from partial rollouts
func IsRolledOut(entityID, featureID string, percentage int, salt string) (bool, error) {
	if err := Validate(percentage); err != nil {
		return false, err
	}
	switch {
	case percentage == 100:
		return true, nil
	case percentage == 0:
		return false, nil
	case entityID == "":
		return false, nil
	}
	return Bucket(entityID, featureID, salt) < percentage, nil
}
