// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Key prefix layout, one byte per pool, scoped per Database instance. Each
// component below owns its own Database (its own leveldb directory); the
// prefix byte only disambiguates pools within that one component, not
// across the workspace.
//
//	Block Store database (one per writer key):
//	  B  block-by-seq      seq (big-endian uint64) -> prior-hash||frame bytes
//	  H  head pointer      "" -> chain hash following the last block
//
//	View database (one per workspace):
//	  M  manifest entries  path -> encoded FileMeta
//	  V  version counter   "" -> big-endian uint64
//
//	Writer Set database (one per workspace):
//	  W  admitted writers  writer public key -> encoded writerset.Record (admitted-at position, removed flag)
//
//	Linearizer database (one per workspace):
//	  F  frontier          writer public key -> next-unconsumed seq (big-endian uint64)
//	  P  position          "" -> global linearized position (big-endian uint64)
package storage
