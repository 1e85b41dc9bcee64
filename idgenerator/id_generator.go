// Package idgenerator hands out connection ids.
package idgenerator

import "sync/atomic"

// IdGenerator returns increasing uint32 ids and is safe for concurrent use.
// The first id is the start value plus one, so a start of zero keeps zero
// free to mean "no connection".
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator returns a generator whose first Id is startValue+1.
//
// Parameters:
//   - startValue: The value the counter starts from
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next id.
func (l *IdGenerator) Id() uint32 {
	return l.id.Add(1)
}
