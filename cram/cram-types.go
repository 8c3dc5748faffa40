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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/willf/bitset"

	"github.com/exascience/elcram/utils"
)

// Block compression methods. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 8.
const (
	MethodRaw     = 0
	MethodGzip    = 1
	MethodRANS4x8 = 4
)

var (
	// ErrCorrupt is reported for structural corruption: declared and
	// actual lengths that disagree, landmarks that do not line up
	// with parseable slices, or references to data series that are
	// not present.
	ErrCorrupt = errors.New("corrupt CRAM container")

	// ErrReadLength is reported when a record's features walk the
	// read cursor past the record's declared read length.
	ErrReadLength = errors.New("feature positions exceed the declared read length")
)

// A Block wraps one independently compressed byte range. Data holds
// the compressed payload; its length must match CompressedLength, and
// decompressing it under Method must yield exactly UncompressedLength
// bytes.
type Block struct {
	Method             byte
	CompressedLength   int32
	UncompressedLength int32
	Data               []byte
}

// A Container groups a run of records under one compression header.
// ReferenceID, Start, Span, and RecordCount summarize the positional
// metadata of the contained slices.
type Container struct {
	Header      *CompressionHeader
	ReferenceID int32
	Start       int32
	Span        int32
	RecordCount int32
	Slices      []*Slice
}

// A Slice holds the byte streams for a run of records: the core block
// and one external stream per content id, stored decompressed. The
// content ids present are additionally tracked in a bitset so record
// decoding can verify that every data series the compression header
// references is actually backed by a stream.
type Slice struct {
	ReferenceID    int32
	AlignmentStart int32
	Span           int32
	RecordCount    int32
	Core           []byte
	External       map[int32][]byte
	contentIDs     *bitset.BitSet
}

func newSlice(referenceID, alignmentStart, span int32) *Slice {
	return &Slice{
		ReferenceID:    referenceID,
		AlignmentStart: alignmentStart,
		Span:           span,
		External:       make(map[int32][]byte),
		contentIDs:     bitset.New(64),
	}
}

func (s *Slice) addExternal(contentID int32, data []byte) error {
	if contentID < 0 {
		return fmt.Errorf("negative content id %v: %w", contentID, ErrCorrupt)
	}
	if s.contentIDs.Test(uint(contentID)) {
		return fmt.Errorf("duplicate content id %v: %w", contentID, ErrCorrupt)
	}
	s.contentIDs.Set(uint(contentID))
	s.External[contentID] = data
	return nil
}

// Feature codes. See https://samtools.github.io/hts-specs/CRAMv3.pdf -
// Section 10.5.
const (
	FeatureBases         = 'b'
	FeatureScores        = 'q'
	FeatureReadBase      = 'B'
	FeatureSubstitution  = 'X'
	FeatureInsertion     = 'I'
	FeatureDeletion      = 'D'
	FeatureInsertBase    = 'i'
	FeatureQualityScore  = 'Q'
	FeatureReferenceSkip = 'N'
	FeatureSoftClip      = 'S'
	FeaturePadding       = 'P'
	FeatureHardClip      = 'H'
)

// A Feature is one sparse edit operation against the implied linear
// layout of a read. Position is 1-based. The fields beyond Position
// are interpreted according to Code: Bytes carries base or score
// stretches (Bases, Scores, Insertion, SoftClip), Value carries a
// single base, quality score, or substitution code (ReadBase,
// InsertBase, QualityScore, Substitution), Value2 carries the quality
// score of a ReadBase, and Length carries the explicit length of a
// Deletion, ReferenceSkip, Padding, or HardClip.
type Feature struct {
	Code     byte
	Position int32
	Bytes    []byte
	Value    byte
	Value2   byte
	Length   int32
}

// A Record is the decoded form of one alignment in a slice. Sequence,
// quality scores, and CIGAR are not materialized; they are derived
// views over the feature list. The feature list is immutable after
// decoding and ordered by position.
type Record struct {
	AlignmentStart int32
	ReadLength     int32
	Features       []Feature
}

// A CigarOperation is produced by the Cigar view of a record.
type CigarOperation struct {
	Length    int32
	Operation byte
}

// A DataSeries names one logical stream of per-record values, using
// the two-letter tags of the CRAM specification.
type DataSeries uint16

const (
	// SeriesAlignmentStart is the per-record alignment start (AP).
	SeriesAlignmentStart DataSeries = 'A'<<8 | 'P'
	// SeriesReadLength is the per-record read length (RL).
	SeriesReadLength DataSeries = 'R'<<8 | 'L'
	// SeriesFeatureCount is the per-record feature count (FN).
	SeriesFeatureCount DataSeries = 'F'<<8 | 'N'
	// SeriesFeatureCode is the per-feature code (FC).
	SeriesFeatureCode DataSeries = 'F'<<8 | 'C'
	// SeriesFeaturePosition is the per-feature read position (FP).
	SeriesFeaturePosition DataSeries = 'F'<<8 | 'P'
	// SeriesBase carries single bases (BA).
	SeriesBase DataSeries = 'B'<<8 | 'A'
	// SeriesQualityScore carries single quality scores (QS).
	SeriesQualityScore DataSeries = 'Q'<<8 | 'S'
	// SeriesSubstitutionCode carries substitution codes (BS).
	SeriesSubstitutionCode DataSeries = 'B'<<8 | 'S'
	// SeriesInsertion carries insertion base stretches (IN).
	SeriesInsertion DataSeries = 'I'<<8 | 'N'
	// SeriesSoftClip carries soft clip base stretches (SC).
	SeriesSoftClip DataSeries = 'S'<<8 | 'C'
	// SeriesDeletionLength carries deletion lengths (DL).
	SeriesDeletionLength DataSeries = 'D'<<8 | 'L'
	// SeriesReferenceSkipLength carries reference skip lengths (RS).
	SeriesReferenceSkipLength DataSeries = 'R'<<8 | 'S'
	// SeriesPaddingLength carries padding lengths (PD).
	SeriesPaddingLength DataSeries = 'P'<<8 | 'D'
	// SeriesHardClipLength carries hard clip lengths (HC).
	SeriesHardClipLength DataSeries = 'H'<<8 | 'C'
	// SeriesBaseStretch carries stretches of bases (BB).
	SeriesBaseStretch DataSeries = 'B'<<8 | 'B'
	// SeriesScoreStretch carries stretches of quality scores (QQ).
	SeriesScoreStretch DataSeries = 'Q'<<8 | 'Q'
)

// allSeries lists every data series in serialization order.
var allSeries = []DataSeries{
	SeriesAlignmentStart,
	SeriesReadLength,
	SeriesFeatureCount,
	SeriesFeatureCode,
	SeriesFeaturePosition,
	SeriesBase,
	SeriesQualityScore,
	SeriesSubstitutionCode,
	SeriesInsertion,
	SeriesSoftClip,
	SeriesDeletionLength,
	SeriesReferenceSkipLength,
	SeriesPaddingLength,
	SeriesHardClipLength,
	SeriesBaseStretch,
	SeriesScoreStretch,
}

func (series DataSeries) String() string {
	return string([]byte{byte(series >> 8), byte(series)})
}

// Encoding ids in the data-series and tag encoding maps.
const (
	// EncodingNone declares that a series is not stored.
	EncodingNone = 0
	// EncodingExternal declares that a series is stored in the
	// external block with the given content id.
	EncodingExternal = 1
)

// An Encoding assigns a data series or tag to its storage.
type Encoding struct {
	ID        byte
	ContentID int32
}

// A CompressionHeader declares, once per container, how each data
// series and tag is stored, and the substitution matrix translating
// between base pairs and substitution codes. It is immutable once
// decoded and shared read-only by all slices of its container.
type CompressionHeader struct {
	// APDelta declares that per-record alignment starts are stored as
	// deltas, against the slice alignment start for the first record
	// of a slice and against the previous record afterwards.
	APDelta bool

	Substitutions SubstitutionMatrix

	DataSeriesEncodings map[DataSeries]Encoding

	// TagEncodings maps interned 3-byte tag keys (two-letter name
	// plus type byte) to their encodings. Headers declare only a
	// handful of tags, so a SmallMap beats a native map here.
	TagEncodings utils.SmallMap
}

// NewCompressionHeader returns a compression header that stores every
// data series in its own external block, with delta-coded alignment
// starts and the default substitution matrix.
func NewCompressionHeader() *CompressionHeader {
	hdr := &CompressionHeader{
		APDelta:             true,
		Substitutions:       NewSubstitutionMatrix(),
		DataSeriesEncodings: make(map[DataSeries]Encoding),
	}
	for i, series := range allSeries {
		hdr.DataSeriesEncodings[series] = Encoding{ID: EncodingExternal, ContentID: int32(i + 1)}
	}
	return hdr
}

// buffer is a cursor over a fully read container body. All reads
// report running out of bytes as truncation.
type buffer struct {
	data []byte
	pos  int
}

func (buf *buffer) remaining() int {
	return len(buf.data) - buf.pos
}

func (buf *buffer) readUint8() (byte, error) {
	if buf.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := buf.data[buf.pos]
	buf.pos++
	return b, nil
}

func (buf *buffer) readInt32() (int32, error) {
	if buf.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	value := int32(binary.LittleEndian.Uint32(buf.data[buf.pos:]))
	buf.pos += 4
	return value, nil
}

func (buf *buffer) read(n int) ([]byte, error) {
	if n < 0 || buf.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	data := buf.data[buf.pos : buf.pos+n]
	buf.pos += n
	return data, nil
}

func appendInt32(dst []byte, value int32) []byte {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(value))
	return append(dst, scratch[:]...)
}
