// Copyright (C) 2024  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package xzlib provides convenience utilities to compress/decompress zlib data.
//
// It is used for outbox record payloads: payloads above a threshold are
// stored compressed together with a compression flag, the same way object
// data carries its compression flag in NEO storage tables.
package xzlib

import (
	"bytes"
	"compress/zlib"

	// czlib decompresses real-world payloads ~2-3x faster than compress/zlib.
	"github.com/DataDog/czlib"
)

// Compress compresses data according to zlib encoding.
//
// default level and dictionary are used.
func Compress(data []byte) (zdata []byte) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	_, err := w.Write(data)
	if err != nil {
		panic(err) // bytes.Buffer.Write never return error
	}
	err = w.Close()
	if err != nil {
		panic(err) // ----//----
	}
	return b.Bytes()
}

// Decompress decompresses data according to zlib encoding.
//
// return: destination buffer with full decompressed data or error.
func Decompress(zdata []byte) (data []byte, err error) {
	return czlib.Decompress(zdata)
}

// Pack compresses data if it is at least threshold bytes long and
// compression actually makes it smaller.
//
// compressed reports whether out is zlib-encoded. threshold <= 0 disables
// compression.
func Pack(data []byte, threshold int) (out []byte, compressed bool) {
	if threshold <= 0 || len(data) < threshold {
		return data, false
	}
	zdata := Compress(data)
	if len(zdata) >= len(data) {
		return data, false
	}
	return zdata, true
}

// Unpack is the inverse of Pack.
func Unpack(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return Decompress(data)
}
