// elCram: a high-performance library for reading and writing CRAM files.
// Copyright (c) 2020-2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elcram/blob/master/LICENSE.txt>.

package cram

import "log"

// substitutionBases lists the bases that can take part in a
// substitution, in matrix row/column order.
var substitutionBases = []byte("ACGTN")

func baseIndex(base byte) int {
	switch base {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	default:
		return 4
	}
}

// A SubstitutionMatrix maps pairs of reference and read bases to
// 2-bit substitution codes and back. For every reference base it
// assigns the codes 0-3 to the four other bases; the on-disk form
// packs each row into one byte, the codes of the non-reference bases
// in ACGTN order from the high bits down. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 10.6.
type SubstitutionMatrix struct {
	codes [5][5]byte
	bases [5][4]byte
}

// NewSubstitutionMatrix returns the matrix that assigns codes to
// substituted bases in ACGTN order.
func NewSubstitutionMatrix() SubstitutionMatrix {
	var m SubstitutionMatrix
	for ref := 0; ref < 5; ref++ {
		var code byte
		for read := 0; read < 5; read++ {
			if read == ref {
				continue
			}
			m.codes[ref][read] = code
			m.bases[ref][code] = substitutionBases[read]
			code++
		}
	}
	return m
}

// Code returns the substitution code for reading read where the
// reference has ref. Code panics when ref and read are the same base,
// because a substitution cannot reproduce the reference.
func (m *SubstitutionMatrix) Code(ref, read byte) byte {
	refIndex, readIndex := baseIndex(ref), baseIndex(read)
	if refIndex == readIndex {
		log.Panicf("substitution of %c by itself", ref)
	}
	return m.codes[refIndex][readIndex]
}

// Base returns the read base represented by the given substitution
// code when the reference has ref.
func (m *SubstitutionMatrix) Base(ref, code byte) byte {
	return m.bases[baseIndex(ref)][code&3]
}

func (m *SubstitutionMatrix) append(dst []byte) []byte {
	for ref := 0; ref < 5; ref++ {
		var packed byte
		for read := 0; read < 5; read++ {
			if read == ref {
				continue
			}
			packed = packed<<2 | m.codes[ref][read]
		}
		dst = append(dst, packed)
	}
	return dst
}

func parseSubstitutionMatrix(packed []byte) (m SubstitutionMatrix) {
	for ref := 0; ref < 5; ref++ {
		var k uint
		for read := 0; read < 5; read++ {
			if read == ref {
				continue
			}
			code := packed[ref] >> (6 - 2*k) & 3
			m.codes[ref][read] = code
			m.bases[ref][code] = substitutionBases[read]
			k++
		}
	}
	return m
}
