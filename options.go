// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slick

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	defaultBlockSize         = 8
	defaultHopBound          = 4
	defaultBackyardThreshold = 0.05

	// maxHopBound is the largest hop bound representable by the int8
	// displacement kept for every slot.
	maxHopBound = 127
)

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uint64) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The high bits of the hash select a key's home block and the low 7 bits
// are its fingerprint. The function must be deterministic.
func WithHash[K comparable, V any](hash func(key *K, seed uint64) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing memory used
// by the main table of a Map. The default allocator utilizes Go's builtin
// make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Map.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) []uint8

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

func (defaultAllocator[K, V]) FreeControls(v []uint8) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type blockSizeOption[K comparable, V any] int

func (op blockSizeOption[K, V]) apply(m *Map[K, V]) {
	m.blockSize = int(op)
}

// WithBlockSize is an option to specify the number of slots per block. The
// default is 8, which lets a block's control bytes be matched with a single
// word comparison.
func WithBlockSize[K comparable, V any](n int) option[K, V] {
	return blockSizeOption[K, V](n)
}

type hopBoundOption[K comparable, V any] int

func (op hopBoundOption[K, V]) apply(m *Map[K, V]) {
	m.hops = int(op)
}

// WithHopBound is an option to specify H, the maximum number of
// block-to-block moves an insertion may chain before the new entry is
// diverted to the backyard. It is also the farthest an entry can ever be
// from its home block, and so bounds the number of blocks a lookup scans.
// Larger values pack the main table tighter at a higher worst-case insert
// cost; 0 disables sliding. The default is 4 and the maximum is 127.
func WithHopBound[K comparable, V any](h int) option[K, V] {
	return hopBoundOption[K, V](h)
}

type backyardCeilingOption[K comparable, V any] int

func (op backyardCeilingOption[K, V]) apply(m *Map[K, V]) {
	m.ceiling = int(op)
}

// WithBackyardCeiling is an option to put a hard limit on overflow. A Map
// built with a ceiling of n holds at most (main table slots + n) entries;
// inserting a new key beyond that returns ErrTableFull. Without a ceiling
// the backyard grows without bound.
func WithBackyardCeiling[K comparable, V any](n int) option[K, V] {
	return backyardCeilingOption[K, V](n)
}

type backyardThresholdOption[K comparable, V any] float64

func (op backyardThresholdOption[K, V]) apply(m *Map[K, V]) {
	m.threshold = float64(op)
}

// WithBackyardThreshold is an option to specify the backyard fraction (see
// Map.BackyardFraction) above which the Map logs a warning. Exceeding it
// is a performance problem, not an error. The default is 0.05.
func WithBackyardThreshold[K comparable, V any](f float64) option[K, V] {
	return backyardThresholdOption[K, V](f)
}

type slackOption[K comparable, V any] float64

func (op slackOption[K, V]) apply(m *Map[K, V]) {
	m.slack = float64(op)
}

// WithSlack is an option to size the main table with a margin above the
// requested capacity: a Map created for n entries with slack e has room for
// n*(1+e) entries in its main table. The default is 0.
func WithSlack[K comparable, V any](e float64) option[K, V] {
	return slackOption[K, V](e)
}

type loggerOption[K comparable, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	m.log = op.logger
}

// WithLogger is an option to specify the logger a Map reports backyard
// growth and cleaning to. The default discards everything.
func WithLogger[K comparable, V any](logger *zap.Logger) option[K, V] {
	return loggerOption[K, V]{logger}
}

type meterProviderOption[K comparable, V any] struct {
	provider metric.MeterProvider
}

func (op meterProviderOption[K, V]) apply(m *Map[K, V]) {
	m.meterProvider = op.provider
}

// WithMeterProvider is an option to specify where a Map records its
// metrics. The default is a no-op provider.
func WithMeterProvider[K comparable, V any](provider metric.MeterProvider) option[K, V] {
	return meterProviderOption[K, V]{provider}
}

type nameOption[K comparable, V any] string

func (op nameOption[K, V]) apply(m *Map[K, V]) {
	m.name = string(op)
}

// WithName is an option to name a Map. The name is attached to its log
// messages and metrics.
func WithName[K comparable, V any](name string) option[K, V] {
	return nameOption[K, V](name)
}
