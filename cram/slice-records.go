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

// featurePayloadSeries maps a feature code to the data series its
// payload is read from and written to. Length payloads and single
// values are stored directly in their series; byte stretches are
// stored length-prefixed.
func featurePayloadSeries(code byte) (series DataSeries, ok bool) {
	switch code {
	case FeatureSubstitution:
		return SeriesSubstitutionCode, true
	case FeatureInsertion:
		return SeriesInsertion, true
	case FeatureSoftClip:
		return SeriesSoftClip, true
	case FeatureInsertBase, FeatureReadBase:
		return SeriesBase, true
	case FeatureQualityScore:
		return SeriesQualityScore, true
	case FeatureDeletion:
		return SeriesDeletionLength, true
	case FeatureReferenceSkip:
		return SeriesReferenceSkipLength, true
	case FeaturePadding:
		return SeriesPaddingLength, true
	case FeatureHardClip:
		return SeriesHardClipLength, true
	case FeatureBases:
		return SeriesBaseStretch, true
	case FeatureScores:
		return SeriesScoreStretch, true
	default:
		return 0, false
	}
}

// sliceDecoder pulls per-record values from the external streams of
// one slice, resolving each data series through the compression
// header on first use.
type sliceDecoder struct {
	hdr     *CompressionHeader
	slice   *Slice
	streams map[DataSeries]*buffer
}

func (d *sliceDecoder) stream(series DataSeries) (*buffer, error) {
	if buf, ok := d.streams[series]; ok {
		return buf, nil
	}
	buf, err := d.hdr.seriesStream(d.slice, series)
	if err != nil {
		return nil, err
	}
	d.streams[series] = buf
	return buf, nil
}

func (d *sliceDecoder) readInt32(series DataSeries) (int32, error) {
	buf, err := d.stream(series)
	if err != nil {
		return 0, err
	}
	return buf.readInt32()
}

func (d *sliceDecoder) readUint8(series DataSeries) (byte, error) {
	buf, err := d.stream(series)
	if err != nil {
		return 0, err
	}
	return buf.readUint8()
}

func (d *sliceDecoder) readBytes(series DataSeries) ([]byte, error) {
	buf, err := d.stream(series)
	if err != nil {
		return nil, err
	}
	length, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("negative length %v in data series %v: %w", length, series, ErrCorrupt)
	}
	return buf.read(int(length))
}

func (d *sliceDecoder) decodeRecord(previousStart int32) (*Record, error) {
	record := new(Record)
	start, err := d.readInt32(SeriesAlignmentStart)
	if err != nil {
		return nil, err
	}
	if d.hdr.APDelta {
		start += previousStart
	}
	record.AlignmentStart = start
	if record.ReadLength, err = d.readInt32(SeriesReadLength); err != nil {
		return nil, err
	}
	if record.ReadLength < 0 {
		return nil, fmt.Errorf("negative read length %v: %w", record.ReadLength, ErrCorrupt)
	}
	featureCount, err := d.readInt32(SeriesFeatureCount)
	if err != nil {
		return nil, err
	}
	if featureCount == 0 {
		return record, nil
	}
	codes, err := d.stream(SeriesFeatureCode)
	if err != nil {
		return nil, err
	}
	if featureCount < 0 || int(featureCount) > codes.remaining() {
		return nil, fmt.Errorf("implausible feature count %v: %w", featureCount, ErrCorrupt)
	}
	record.Features = make([]Feature, featureCount)
	var previousPosition int32 = 1
	for i := range record.Features {
		feature := &record.Features[i]
		if feature.Code, err = codes.readUint8(); err != nil {
			return nil, err
		}
		if feature.Position, err = d.readInt32(SeriesFeaturePosition); err != nil {
			return nil, err
		}
		if feature.Position < previousPosition {
			return nil, fmt.Errorf("feature position %v before position %v: %w", feature.Position, previousPosition, ErrCorrupt)
		}
		if feature.Position > record.ReadLength+1 {
			return nil, fmt.Errorf("feature position %v in a read of length %v: %w", feature.Position, record.ReadLength, ErrReadLength)
		}
		previousPosition = feature.Position
		series, ok := featurePayloadSeries(feature.Code)
		if !ok {
			return nil, fmt.Errorf("unknown feature code %#x: %w", feature.Code, ErrCorrupt)
		}
		switch feature.Code {
		case FeatureSubstitution, FeatureInsertBase, FeatureQualityScore:
			if feature.Value, err = d.readUint8(series); err != nil {
				return nil, err
			}
		case FeatureReadBase:
			if feature.Value, err = d.readUint8(series); err != nil {
				return nil, err
			}
			if feature.Value2, err = d.readUint8(SeriesQualityScore); err != nil {
				return nil, err
			}
		case FeatureInsertion, FeatureSoftClip, FeatureBases, FeatureScores:
			if feature.Bytes, err = d.readBytes(series); err != nil {
				return nil, err
			}
		default:
			if feature.Length, err = d.readInt32(series); err != nil {
				return nil, err
			}
			if feature.Length < 0 {
				return nil, fmt.Errorf("negative length %v for feature %c: %w", feature.Length, feature.Code, ErrCorrupt)
			}
		}
	}
	return record, nil
}

// Records decodes all records of the slice. The compression header of
// the enclosing container declares which external stream serves each
// data series; it is only read, so multiple slices can be decoded
// concurrently against the same header.
func (s *Slice) Records(hdr *CompressionHeader) ([]*Record, error) {
	d := &sliceDecoder{
		hdr:     hdr,
		slice:   s,
		streams: make(map[DataSeries]*buffer),
	}
	records := make([]*Record, s.RecordCount)
	previousStart := s.AlignmentStart
	for i := range records {
		record, err := d.decodeRecord(previousStart)
		if err != nil {
			return nil, err
		}
		records[i] = record
		previousStart = record.AlignmentStart
	}
	for series, buf := range d.streams {
		if buf.remaining() > 0 {
			return nil, fmt.Errorf("%v trailing bytes in data series %v: %w", buf.remaining(), series, ErrCorrupt)
		}
	}
	return records, nil
}

// sliceEncoder appends per-record values to the external streams of a
// slice under construction.
type sliceEncoder struct {
	hdr     *CompressionHeader
	streams map[DataSeries][]byte
}

func (e *sliceEncoder) appendInt32(series DataSeries, value int32) {
	e.streams[series] = appendInt32(e.streams[series], value)
}

func (e *sliceEncoder) appendUint8(series DataSeries, value byte) {
	e.streams[series] = append(e.streams[series], value)
}

func (e *sliceEncoder) appendBytes(series DataSeries, data []byte) {
	e.streams[series] = append(appendInt32(e.streams[series], int32(len(data))), data...)
}

func (e *sliceEncoder) encodeRecord(record *Record, previousStart int32) error {
	start := record.AlignmentStart
	if e.hdr.APDelta {
		start -= previousStart
	}
	e.appendInt32(SeriesAlignmentStart, start)
	if record.ReadLength < 0 {
		return fmt.Errorf("negative read length %v", record.ReadLength)
	}
	e.appendInt32(SeriesReadLength, record.ReadLength)
	e.appendInt32(SeriesFeatureCount, int32(len(record.Features)))
	var previousPosition int32 = 1
	for i := range record.Features {
		feature := &record.Features[i]
		if feature.Position < previousPosition {
			return fmt.Errorf("feature position %v before position %v", feature.Position, previousPosition)
		}
		if feature.Position > record.ReadLength+1 {
			return fmt.Errorf("feature position %v in a read of length %v", feature.Position, record.ReadLength)
		}
		previousPosition = feature.Position
		series, ok := featurePayloadSeries(feature.Code)
		if !ok {
			return fmt.Errorf("unknown feature code %#x", feature.Code)
		}
		e.appendUint8(SeriesFeatureCode, feature.Code)
		e.appendInt32(SeriesFeaturePosition, feature.Position)
		switch feature.Code {
		case FeatureSubstitution, FeatureInsertBase, FeatureQualityScore:
			e.appendUint8(series, feature.Value)
		case FeatureReadBase:
			e.appendUint8(series, feature.Value)
			e.appendUint8(SeriesQualityScore, feature.Value2)
		case FeatureInsertion, FeatureSoftClip, FeatureBases, FeatureScores:
			e.appendBytes(series, feature.Bytes)
		default:
			if feature.Length < 0 {
				return fmt.Errorf("negative length %v for feature %c", feature.Length, feature.Code)
			}
			e.appendInt32(series, feature.Length)
		}
	}
	return nil
}

// NewSlice encodes a run of records into a slice, one external stream
// per data series declared by the compression header. The slice
// alignment start and span cover the records' positions.
func NewSlice(hdr *CompressionHeader, referenceID int32, records []*Record) (*Slice, error) {
	var start, end int32
	if len(records) > 0 {
		start = records[0].AlignmentStart
		for _, record := range records {
			if record.AlignmentStart < start {
				start = record.AlignmentStart
			}
			if recordEnd := record.AlignmentStart + record.ReadLength - 1; recordEnd > end {
				end = recordEnd
			}
		}
	}
	var span int32
	if end >= start && len(records) > 0 {
		span = end - start + 1
	}
	slice := newSlice(referenceID, start, span)
	slice.RecordCount = int32(len(records))

	e := &sliceEncoder{
		hdr:     hdr,
		streams: make(map[DataSeries][]byte),
	}
	previousStart := start
	for _, record := range records {
		if err := e.encodeRecord(record, previousStart); err != nil {
			return nil, err
		}
		previousStart = record.AlignmentStart
	}
	for series, encoding := range hdr.DataSeriesEncodings {
		if encoding.ID != EncodingExternal {
			continue
		}
		if err := slice.addExternal(encoding.ContentID, e.streams[series]); err != nil {
			return nil, err
		}
	}
	return slice, nil
}

// NewContainer groups slices that share a compression header into a
// container, summarizing their positional metadata. The reference id
// is that of the slices when they agree, and -2 for a multi-reference
// container.
func NewContainer(hdr *CompressionHeader, slices []*Slice) *Container {
	container := &Container{
		Header:      hdr,
		ReferenceID: -1,
		Slices:      slices,
	}
	for i, slice := range slices {
		container.RecordCount += slice.RecordCount
		if i == 0 {
			container.ReferenceID = slice.ReferenceID
			container.Start = slice.AlignmentStart
			container.Span = slice.Span
		} else if slice.ReferenceID != container.ReferenceID {
			container.ReferenceID = -2
			container.Start = 0
			container.Span = 0
		} else if container.ReferenceID >= 0 {
			start := container.Start
			if slice.AlignmentStart < start {
				start = slice.AlignmentStart
			}
			end := container.Start + container.Span
			if sliceEnd := slice.AlignmentStart + slice.Span; sliceEnd > end {
				end = sliceEnd
			}
			container.Start = start
			container.Span = end - start
		}
	}
	return container
}
