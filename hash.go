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
	"encoding/binary"
	"hash/maphash"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// hashFn produces a 64-bit digest of a key. It must be deterministic for a
// given seed. The table splits the digest into a home block index (the high
// bits) and a fingerprint (the low 7 bits), so both ends of the digest
// should be well mixed.
type hashFn[K comparable] func(key *K, seed uint64) uint64

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// defaultHasher returns the hash function used when none is supplied with
// WithHash. Keys whose underlying type is a string or an integer are hashed
// with xxhash; every other comparable key type falls back to
// maphash.Comparable.
func defaultHasher[K comparable]() hashFn[K] {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.String:
		return func(key *K, seed uint64) uint64 {
			return hashString(*(*string)(unsafe.Pointer(key)), seed)
		}
	case reflect.Int:
		return integerHasher[K, int]()
	case reflect.Int8:
		return integerHasher[K, int8]()
	case reflect.Int16:
		return integerHasher[K, int16]()
	case reflect.Int32:
		return integerHasher[K, int32]()
	case reflect.Int64:
		return integerHasher[K, int64]()
	case reflect.Uint:
		return integerHasher[K, uint]()
	case reflect.Uint8:
		return integerHasher[K, uint8]()
	case reflect.Uint16:
		return integerHasher[K, uint16]()
	case reflect.Uint32:
		return integerHasher[K, uint32]()
	case reflect.Uint64:
		return integerHasher[K, uint64]()
	case reflect.Uintptr:
		return integerHasher[K, uintptr]()
	}
	ms := maphash.MakeSeed()
	return func(key *K, seed uint64) uint64 {
		return maphash.Comparable(ms, *key) ^ seed
	}
}

// integerHasher hashes a key whose underlying representation is the
// integer type I.
func integerHasher[K comparable, I integer]() hashFn[K] {
	return func(key *K, seed uint64) uint64 {
		return hashUint64(uint64(*(*I)(unsafe.Pointer(key))), seed)
	}
}

func hashUint64(v, seed uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], v)
	return xxhash.Sum64(buf[:])
}

func hashString(s string, seed uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	var d xxhash.Digest
	d.Reset()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(s)
	return d.Sum64()
}
