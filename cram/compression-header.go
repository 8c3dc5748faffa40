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
	"fmt"
	"sort"

	"github.com/exascience/elcram/utils"
)

// The compression header is serialized as the uncompressed payload of
// the block at the front of a container body: a flags byte, the
// packed substitution matrix, the data-series encoding map, and the
// tag encoding map. Encodings are serialized as an encoding id byte
// followed by a content id.

const apDeltaFlag = 1

func parseEncoding(buf *buffer) (Encoding, error) {
	id, err := buf.readUint8()
	if err != nil {
		return Encoding{}, err
	}
	contentID, err := buf.readInt32()
	if err != nil {
		return Encoding{}, err
	}
	switch id {
	case EncodingNone, EncodingExternal:
		return Encoding{ID: id, ContentID: contentID}, nil
	default:
		return Encoding{}, fmt.Errorf("invalid encoding id %v: %w", id, ErrCorrupt)
	}
}

func appendEncoding(dst []byte, encoding Encoding) []byte {
	dst = append(dst, encoding.ID)
	return appendInt32(dst, encoding.ContentID)
}

func parseCompressionHeader(data []byte) (*CompressionHeader, error) {
	buf := &buffer{data: data}
	flags, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	packed, err := buf.read(5)
	if err != nil {
		return nil, err
	}
	hdr := &CompressionHeader{
		APDelta:             flags&apDeltaFlag != 0,
		Substitutions:       parseSubstitutionMatrix(packed),
		DataSeriesEncodings: make(map[DataSeries]Encoding),
	}
	seriesCount, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < seriesCount; i++ {
		tag, err := buf.read(2)
		if err != nil {
			return nil, err
		}
		series := DataSeries(tag[0])<<8 | DataSeries(tag[1])
		if _, ok := hdr.DataSeriesEncodings[series]; ok {
			return nil, fmt.Errorf("duplicate data series %v: %w", series, ErrCorrupt)
		}
		if hdr.DataSeriesEncodings[series], err = parseEncoding(buf); err != nil {
			return nil, err
		}
	}
	tagCount, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < tagCount; i++ {
		key, err := buf.read(3)
		if err != nil {
			return nil, err
		}
		symbol := utils.Intern(string(key))
		if _, ok := hdr.TagEncodings.Get(symbol); ok {
			return nil, fmt.Errorf("duplicate tag %v: %w", *symbol, ErrCorrupt)
		}
		encoding, err := parseEncoding(buf)
		if err != nil {
			return nil, err
		}
		hdr.TagEncodings.Set(symbol, encoding)
	}
	if buf.remaining() > 0 {
		return nil, fmt.Errorf("%v trailing bytes after the compression header: %w", buf.remaining(), ErrCorrupt)
	}
	return hdr, nil
}

func (hdr *CompressionHeader) append(dst []byte) []byte {
	var flags byte
	if hdr.APDelta {
		flags |= apDeltaFlag
	}
	dst = append(dst, flags)
	dst = hdr.Substitutions.append(dst)

	series := make([]DataSeries, 0, len(hdr.DataSeriesEncodings))
	for s := range hdr.DataSeriesEncodings {
		series = append(series, s)
	}
	sort.Slice(series, func(i, j int) bool { return series[i] < series[j] })
	dst = appendInt32(dst, int32(len(series)))
	for _, s := range series {
		dst = append(dst, byte(s>>8), byte(s))
		dst = appendEncoding(dst, hdr.DataSeriesEncodings[s])
	}

	dst = appendInt32(dst, int32(len(hdr.TagEncodings)))
	for _, entry := range hdr.TagEncodings {
		dst = append(dst, (*entry.Key)...)
		dst = appendEncoding(dst, entry.Value.(Encoding))
	}

	return dst
}

// seriesStream returns the external stream declared for the given
// data series in a slice, or an error if the series is not declared
// as external or its content id has no backing block.
func (hdr *CompressionHeader) seriesStream(s *Slice, series DataSeries) (*buffer, error) {
	encoding, ok := hdr.DataSeriesEncodings[series]
	if !ok || encoding.ID != EncodingExternal {
		return nil, fmt.Errorf("data series %v is not stored externally: %w", series, ErrCorrupt)
	}
	if encoding.ContentID < 0 || !s.contentIDs.Test(uint(encoding.ContentID)) {
		return nil, fmt.Errorf("no block with content id %v for data series %v: %w", encoding.ContentID, series, ErrCorrupt)
	}
	return &buffer{data: s.External[encoding.ContentID]}, nil
}
