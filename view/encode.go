// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package view

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pearsync/pearsync/logop"
)

func encodeFileMeta(meta logop.FileMeta) ([]byte, error) {
	return json.Marshal(meta)
}

func decodeFileMeta(value []byte) (logop.FileMeta, error) {
	var meta logop.FileMeta
	err := json.Unmarshal(value, &meta)
	return meta, err
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
