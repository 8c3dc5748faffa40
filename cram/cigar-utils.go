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

import "fmt"

// CIGAR operation codes produced by the Cigar view.
const (
	OperationMatch         = 'M'
	OperationInsertion     = 'I'
	OperationDeletion      = 'D'
	OperationReferenceSkip = 'N'
	OperationSoftClip      = 'S'
	OperationHardClip      = 'H'
	OperationPadding       = 'P'
)

// consumesRead tells whether a CIGAR operation advances the read
// cursor.
func consumesRead(operation byte) bool {
	switch operation {
	case OperationMatch, OperationInsertion, OperationSoftClip:
		return true
	default:
		return false
	}
}

// A Cigar iterates over the CIGAR operations of a record, derived on
// the fly from its feature list. Consecutive operations of the same
// kind are not merged; each feature contributes its own operation.
// Use it like a bufio.Scanner: call Next until it returns false, then
// check Err.
type Cigar struct {
	record       *Record
	index        int
	readPosition int32
	operation    CigarOperation
	done         bool
	err          error
}

// Cigar returns an iterator over the CIGAR operations implied by the
// record's features. The iterator is single-use; call Cigar again for
// a fresh pass.
func (record *Record) Cigar() *Cigar {
	return &Cigar{record: record, readPosition: 1}
}

// Op returns the operation fetched by the latest call to Next.
func (c *Cigar) Op() CigarOperation {
	return c.operation
}

// Err returns the error that ended the iteration, if any.
func (c *Cigar) Err() error {
	return c.err
}

// Next fetches the next CIGAR operation. It returns false when the
// read has been fully covered or the feature list is inconsistent
// with the read length; Err tells the two apart.
func (c *Cigar) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	record := c.record
	for c.index < len(record.Features) {
		feature := &record.Features[c.index]
		if feature.Position > c.readPosition {
			c.operation = CigarOperation{
				Length:    feature.Position - c.readPosition,
				Operation: OperationMatch,
			}
			c.readPosition = feature.Position
			return true
		}
		c.index++
		switch feature.Code {
		case FeatureSubstitution, FeatureReadBase:
			c.operation = CigarOperation{Length: 1, Operation: OperationMatch}
		case FeatureBases:
			c.operation = CigarOperation{Length: int32(len(feature.Bytes)), Operation: OperationMatch}
		case FeatureInsertion:
			c.operation = CigarOperation{Length: int32(len(feature.Bytes)), Operation: OperationInsertion}
		case FeatureInsertBase:
			c.operation = CigarOperation{Length: 1, Operation: OperationInsertion}
		case FeatureSoftClip:
			c.operation = CigarOperation{Length: int32(len(feature.Bytes)), Operation: OperationSoftClip}
		case FeatureDeletion:
			c.operation = CigarOperation{Length: feature.Length, Operation: OperationDeletion}
		case FeatureReferenceSkip:
			c.operation = CigarOperation{Length: feature.Length, Operation: OperationReferenceSkip}
		case FeaturePadding:
			c.operation = CigarOperation{Length: feature.Length, Operation: OperationPadding}
		case FeatureHardClip:
			c.operation = CigarOperation{Length: feature.Length, Operation: OperationHardClip}
		case FeatureScores, FeatureQualityScore:
			// score-only features contribute no operation
			continue
		default:
			c.err = fmt.Errorf("unknown feature code %#x: %w", feature.Code, ErrCorrupt)
			return false
		}
		if consumesRead(c.operation.Operation) {
			c.readPosition += c.operation.Length
			if c.readPosition > record.ReadLength+1 {
				c.err = fmt.Errorf("read cursor %v past read length %v: %w", c.readPosition-1, record.ReadLength, ErrReadLength)
				return false
			}
		}
		return true
	}
	c.done = true
	if c.readPosition <= record.ReadLength {
		c.operation = CigarOperation{
			Length:    record.ReadLength - c.readPosition + 1,
			Operation: OperationMatch,
		}
		c.readPosition = record.ReadLength + 1
		return true
	}
	return false
}

// missingQualityScore marks read positions not covered by any
// score-carrying feature.
const missingQualityScore = 0xff

// A QualityScores iterates over the per-base quality scores of a
// record, one score per read position. Positions not covered by a
// QualityScore, ReadBase, or Scores feature yield the missing-score
// sentinel 0xff. Unlike Cigar, the view can be regenerated any number
// of times from the same record.
type QualityScores struct {
	record   *Record
	position int32
	index    int
	score    byte
}

// QualityScores returns an iterator over the quality scores implied
// by the record's features.
func (record *Record) QualityScores() *QualityScores {
	return &QualityScores{record: record}
}

// Score returns the quality score fetched by the latest call to Next.
func (q *QualityScores) Score() byte {
	return q.score
}

// Next advances to the next read position. It returns false after the
// last position of the read.
func (q *QualityScores) Next() bool {
	record := q.record
	q.position++
	if q.position > record.ReadLength {
		return false
	}
	q.score = missingQualityScore
	// drop features whose positions have been fully passed
	for q.index < len(record.Features) {
		feature := &record.Features[q.index]
		end := feature.Position
		if feature.Code == FeatureScores {
			if e := feature.Position + int32(len(feature.Bytes)) - 1; e > end {
				end = e
			}
		}
		if end >= q.position {
			break
		}
		q.index++
	}
	for i := q.index; i < len(record.Features); i++ {
		feature := &record.Features[i]
		if feature.Position > q.position {
			break
		}
		switch feature.Code {
		case FeatureQualityScore:
			if feature.Position == q.position {
				q.score = feature.Value
			}
		case FeatureReadBase:
			if feature.Position == q.position {
				q.score = feature.Value2
			}
		case FeatureScores:
			if offset := q.position - feature.Position; offset < int32(len(feature.Bytes)) {
				q.score = feature.Bytes[offset]
			}
		}
	}
	return true
}
