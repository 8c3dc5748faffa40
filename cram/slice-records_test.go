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
	"errors"
	"testing"
)

// makeTestSlice builds a single-record slice directly from raw series
// streams.
func makeTestSlice(t *testing.T, hdr *CompressionHeader, streams map[DataSeries][]byte) *Slice {
	t.Helper()
	slice := newSlice(0, 1, 100)
	slice.RecordCount = 1
	for series, data := range streams {
		if err := slice.addExternal(hdr.DataSeriesEncodings[series].ContentID, data); err != nil {
			t.Fatal(err)
		}
	}
	return slice
}

func TestSliceRecordsEmpty(t *testing.T) {
	hdr := NewCompressionHeader()
	slice, err := NewSlice(hdr, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	records, err := slice.Records(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Error("Records of an empty slice failed")
	}
	if slice.AlignmentStart != 0 || slice.Span != 0 {
		t.Error("metadata of an empty slice failed")
	}
}

func TestSliceRecordsTrailingBytes(t *testing.T) {
	hdr := NewCompressionHeader()
	slice, err := NewSlice(hdr, 0, []*Record{{AlignmentStart: 10, ReadLength: 4}})
	if err != nil {
		t.Fatal(err)
	}
	contentID := hdr.DataSeriesEncodings[SeriesReadLength].ContentID
	slice.External[contentID] = append(slice.External[contentID], 0)
	if _, err := slice.Records(hdr); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Records with trailing stream bytes returned %v", err)
	}
}

func TestSliceRecordsPositionValidation(t *testing.T) {
	hdr := NewCompressionHeader()
	// one record with a single substitution at the invalid position 0
	slice := makeTestSlice(t, hdr, map[DataSeries][]byte{
		SeriesAlignmentStart:   appendInt32(nil, 0),
		SeriesReadLength:       appendInt32(nil, 4),
		SeriesFeatureCount:     appendInt32(nil, 1),
		SeriesFeatureCode:      {FeatureSubstitution},
		SeriesFeaturePosition:  appendInt32(nil, 0),
		SeriesSubstitutionCode: {2},
	})
	if _, err := slice.Records(hdr); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Records with feature position 0 returned %v", err)
	}
}

func TestSliceRecordsPositionOverflow(t *testing.T) {
	hdr := NewCompressionHeader()
	slice := makeTestSlice(t, hdr, map[DataSeries][]byte{
		SeriesAlignmentStart:   appendInt32(nil, 0),
		SeriesReadLength:       appendInt32(nil, 4),
		SeriesFeatureCount:     appendInt32(nil, 1),
		SeriesFeatureCode:      {FeatureSubstitution},
		SeriesFeaturePosition:  appendInt32(nil, 6),
		SeriesSubstitutionCode: {2},
	})
	if _, err := slice.Records(hdr); !errors.Is(err, ErrReadLength) {
		t.Errorf("Records with a feature past the read length returned %v", err)
	}
}

func TestSliceRecordsUnknownFeature(t *testing.T) {
	hdr := NewCompressionHeader()
	slice := makeTestSlice(t, hdr, map[DataSeries][]byte{
		SeriesAlignmentStart:  appendInt32(nil, 0),
		SeriesReadLength:      appendInt32(nil, 4),
		SeriesFeatureCount:    appendInt32(nil, 1),
		SeriesFeatureCode:     {'Z'},
		SeriesFeaturePosition: appendInt32(nil, 1),
	})
	if _, err := slice.Records(hdr); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Records with an unknown feature code returned %v", err)
	}
}

func TestSliceRecordsImplausibleFeatureCount(t *testing.T) {
	hdr := NewCompressionHeader()
	slice := makeTestSlice(t, hdr, map[DataSeries][]byte{
		SeriesAlignmentStart: appendInt32(nil, 0),
		SeriesReadLength:     appendInt32(nil, 4),
		SeriesFeatureCount:   appendInt32(nil, 1000000),
		SeriesFeatureCode:    {FeatureSubstitution},
	})
	if _, err := slice.Records(hdr); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Records with an implausible feature count returned %v", err)
	}
}

func TestNewSliceValidation(t *testing.T) {
	hdr := NewCompressionHeader()
	if _, err := NewSlice(hdr, 0, []*Record{
		{AlignmentStart: 1, ReadLength: 4, Features: []Feature{
			{Code: FeatureSubstitution, Position: 3, Value: 1},
			{Code: FeatureSubstitution, Position: 2, Value: 1},
		}},
	}); err == nil {
		t.Error("NewSlice with unordered features succeeded")
	}
	if _, err := NewSlice(hdr, 0, []*Record{
		{AlignmentStart: 1, ReadLength: 4, Features: []Feature{
			{Code: 'Z', Position: 1},
		}},
	}); err == nil {
		t.Error("NewSlice with an unknown feature code succeeded")
	}
	if _, err := NewSlice(hdr, 0, []*Record{
		{AlignmentStart: 1, ReadLength: -1},
	}); err == nil {
		t.Error("NewSlice with a negative read length succeeded")
	}
}
