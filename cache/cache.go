// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching token data
for distributed systems or multiple local applications access.

The data stored and extracted will represent the entire cache, in both of its
on-disk generations. Therefore it is recommended one cache engine instance per
user. The buffers are considered opaque and there are no guarantees to
implementers on the format being passed.

The host must bracket every cache operation under a single mutual-exclusion
lock scoped to the physical store: call Replace with freshly read bytes before
the operation, and if the engine reports a change afterwards, call Export and
persist the result before releasing the lock.
*/
package cache

import "context"

// State holds the serialized representations of the two cache generations.
// Neither buffer's internal format depends on the other; a nil buffer means
// that half is empty.
type State struct {
	Legacy  []byte
	Unified []byte
}

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() (State, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache, overwriting it.
type Unmarshaler interface {
	Unmarshal(State) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

// ExportReplace is used to export or replace what is in the cache. It must
// implement a default timeout for both Replace and Export. Errors must be
// retried until the timeout. A call to Replace or Export is not guaranteed to
// succeed. If creating a new implementation, use ExportReplaceCtx.
type ExportReplace interface {
	// Replace replaces the cache with what is in external storage.
	// key is the suggested key which can be used for partitioning the cache.
	Replace(cache Unmarshaler, key string)
	// Export writes the binary representation of the cache (cache.Marshal()) to
	// external storage. This is considered opaque.
	// key is the suggested key which can be used for partitioning the cache.
	Export(cache Marshaler, key string)
}

// ExportReplaceCtx is the same as ExportReplace except that it supports passing
// a context.Context object. A Context without a timeout must receive a default
// timeout specified by the implementor. Retries must be implemented inside the
// implementation.
type ExportReplaceCtx interface {
	ExportReplace

	// ReplaceCtx replaces the cache with what is in external storage.
	// Implementors should honor Context cancellations and return a
	// context.Canceled or context.DeadlineExceeded in those cases.
	ReplaceCtx(ctx context.Context, cache Unmarshaler, key string) error
	// ExportCtx writes the binary representation of the cache (cache.Marshal())
	// to external storage. Context cancellations should be honored as in
	// ReplaceCtx.
	ExportCtx(ctx context.Context, cache Marshaler, key string) error
}
