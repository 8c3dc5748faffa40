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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/exascience/elcram/internal"
	"github.com/exascience/elcram/utils/rans"
)

// cramMagic is the magic string of the CRAM file definition. See
// https://samtools.github.io/hts-specs/CRAMv3.pdf - Section 6.
const cramMagic = "CRAM"

// A FileDefinition is the fixed-size leader of a CRAM file: format
// version and a 20-byte file id.
type FileDefinition struct {
	Major, Minor byte
	ID           [20]byte
}

// A Reader reads the containers of a CRAM file from an underlying
// byte stream.
type Reader struct {
	r io.Reader
}

// NewReader returns a Reader for the given byte stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFileDefinition reads and validates the file definition at the
// start of a CRAM file.
func (reader *Reader) ReadFileDefinition() (*FileDefinition, error) {
	var buf [26]byte
	if _, err := io.ReadFull(reader.r, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if string(buf[:4]) != cramMagic {
		return nil, fmt.Errorf("invalid CRAM magic number: %w", ErrCorrupt)
	}
	def := &FileDefinition{Major: buf[4], Minor: buf[5]}
	copy(def.ID[:], buf[6:])
	return def, nil
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadContainer reads the next container. It returns nil without an
// error at a clean end of the archive, which is signaled either by
// the end of the underlying stream at a container boundary or by a
// container header whose length field is 0. Any other incomplete read
// is reported as truncation.
func (reader *Reader) ReadContainer() (*Container, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(reader.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, io.ErrUnexpectedEOF
	}
	length := int32(binary.LittleEndian.Uint32(lengthBuf[:]))
	if length == 0 {
		return nil, nil
	}
	if length < 0 {
		return nil, fmt.Errorf("negative container length %v: %w", length, ErrCorrupt)
	}
	container := new(Container)
	var err error
	if container.ReferenceID, err = readInt32(reader.r); err != nil {
		return nil, err
	}
	if container.Start, err = readInt32(reader.r); err != nil {
		return nil, err
	}
	if container.Span, err = readInt32(reader.r); err != nil {
		return nil, err
	}
	if container.RecordCount, err = readInt32(reader.r); err != nil {
		return nil, err
	}
	landmarkCount, err := readInt32(reader.r)
	if err != nil {
		return nil, err
	}
	if landmarkCount < 0 || int64(landmarkCount) > int64(length)/4 {
		return nil, fmt.Errorf("implausible landmark count %v for container length %v: %w", landmarkCount, length, ErrCorrupt)
	}
	landmarks := make([]int32, landmarkCount)
	for i := range landmarks {
		if landmarks[i], err = readInt32(reader.r); err != nil {
			return nil, err
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(reader.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	buf := &buffer{data: body}
	headerBlock, err := readBlock(buf)
	if err != nil {
		return nil, err
	}
	if container.Header, err = parseCompressionHeader(headerBlock); err != nil {
		return nil, err
	}
	container.Slices = make([]*Slice, landmarkCount)
	for i, landmark := range landmarks {
		if int(landmark) != buf.pos {
			return nil, fmt.Errorf("landmark %v declares slice offset %v but the slice starts at %v: %w", i, landmark, buf.pos, ErrCorrupt)
		}
		if container.Slices[i], err = readSlice(buf); err != nil {
			return nil, err
		}
	}
	if buf.remaining() > 0 {
		return nil, fmt.Errorf("%v trailing bytes after the last slice of a container: %w", buf.remaining(), ErrCorrupt)
	}
	return container, nil
}

// readBlock reads one block and returns its decompressed payload.
func readBlock(buf *buffer) ([]byte, error) {
	var block Block
	var err error
	if block.Method, err = buf.readUint8(); err != nil {
		return nil, err
	}
	if block.CompressedLength, err = buf.readInt32(); err != nil {
		return nil, err
	}
	if block.UncompressedLength, err = buf.readInt32(); err != nil {
		return nil, err
	}
	if block.CompressedLength < 0 || block.UncompressedLength < 0 {
		return nil, fmt.Errorf("negative block length: %w", ErrCorrupt)
	}
	if block.Data, err = buf.read(int(block.CompressedLength)); err != nil {
		return nil, err
	}
	return block.Decompress()
}

// Decompress decompresses the block payload under the block's
// declared method and validates the result against its declared
// uncompressed length.
func (block *Block) Decompress() ([]byte, error) {
	data, err := block.decompress()
	if err != nil {
		return nil, err
	}
	if len(data) != int(block.UncompressedLength) {
		return nil, fmt.Errorf("block declares %v uncompressed bytes but decompresses to %v: %w", block.UncompressedLength, len(data), ErrCorrupt)
	}
	return data, nil
}

func (block *Block) decompress() ([]byte, error) {
	switch block.Method {
	case MethodRaw:
		return block.Data, nil
	case MethodGzip:
		gz, err := gzip.NewReader(bytes.NewReader(block.Data))
		if err != nil {
			return nil, fmt.Errorf("%v in a gzip block: %w", err, ErrCorrupt)
		}
		data := make([]byte, block.UncompressedLength)
		if _, err := io.ReadFull(gz, data); err != nil {
			return nil, fmt.Errorf("%v in a gzip block: %w", err, ErrCorrupt)
		}
		var tail [1]byte
		if n, _ := gz.Read(tail[:]); n != 0 {
			return nil, fmt.Errorf("gzip block decompresses to more than the declared %v bytes: %w", block.UncompressedLength, ErrCorrupt)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("%v in a gzip block: %w", err, ErrCorrupt)
		}
		return data, nil
	case MethodRANS4x8:
		return rans.Decode(block.Data)
	default:
		return nil, fmt.Errorf("unsupported compression method %v: %w", block.Method, ErrCorrupt)
	}
}

// readSlice reads a slice header and its blocks, decompressing the
// core block and the external blocks keyed by content id.
func readSlice(buf *buffer) (*Slice, error) {
	referenceID, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	alignmentStart, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	span, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	recordCount, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	if recordCount < 0 {
		return nil, fmt.Errorf("negative record count %v in a slice header: %w", recordCount, ErrCorrupt)
	}
	blockCount, err := buf.readInt32()
	if err != nil {
		return nil, err
	}
	if blockCount < 0 || int64(blockCount)*8 > int64(buf.remaining()) {
		return nil, fmt.Errorf("implausible block count %v in a slice header: %w", blockCount, ErrCorrupt)
	}
	contentIDs := make([]int32, blockCount)
	sizes := make([]int32, blockCount)
	for i := range contentIDs {
		if contentIDs[i], err = buf.readInt32(); err != nil {
			return nil, err
		}
		if sizes[i], err = buf.readInt32(); err != nil {
			return nil, err
		}
	}
	slice := newSlice(referenceID, alignmentStart, span)
	slice.RecordCount = recordCount
	if slice.Core, err = readBlock(buf); err != nil {
		return nil, err
	}
	for i, contentID := range contentIDs {
		blockStart := buf.pos
		data, err := readBlock(buf)
		if err != nil {
			return nil, err
		}
		if wireSize := int32(buf.pos - blockStart); wireSize != sizes[i] {
			return nil, fmt.Errorf("slice header declares %v bytes for content id %v but its block takes %v: %w", sizes[i], contentID, wireSize, ErrCorrupt)
		}
		if err := slice.addExternal(contentID, data); err != nil {
			return nil, err
		}
	}
	return slice, nil
}

// A Writer writes the containers of a CRAM file to an underlying byte
// stream. HeaderMethod selects the block compression of compression
// headers, DataMethod that of core and external blocks, and RANSOrder
// the model order when a method is MethodRANS4x8.
type Writer struct {
	w            io.Writer
	HeaderMethod byte
	DataMethod   byte
	RANSOrder    rans.Order
}

// NewWriter returns a Writer with the default block compression:
// gzip for compression headers and order-0 rANS for data blocks.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:            w,
		HeaderMethod: MethodGzip,
		DataMethod:   MethodRANS4x8,
	}
}

// WriteFileDefinition writes a file definition for the given format
// version, with a freshly generated file id.
func (writer *Writer) WriteFileDefinition(major, minor byte) (*FileDefinition, error) {
	def := &FileDefinition{Major: major, Minor: minor}
	id := uuid.New()
	copy(def.ID[:], id[:])
	var buf [26]byte
	copy(buf[:], cramMagic)
	buf[4] = major
	buf[5] = minor
	copy(buf[6:], def.ID[:])
	_, err := writer.w.Write(buf[:])
	return def, err
}

func (writer *Writer) compress(method byte, data []byte) ([]byte, error) {
	switch method {
	case MethodRaw:
		return data, nil
	case MethodGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case MethodRANS4x8:
		return rans.Encode(writer.RANSOrder, data)
	default:
		return nil, fmt.Errorf("unsupported compression method %v", method)
	}
}

func (writer *Writer) appendBlock(dst []byte, method byte, data []byte) ([]byte, error) {
	compressed, err := writer.compress(method, data)
	if err != nil {
		return nil, err
	}
	dst = append(dst, method)
	dst = appendInt32(dst, int32(len(compressed)))
	dst = appendInt32(dst, int32(len(data)))
	return append(dst, compressed...), nil
}

func (writer *Writer) appendSlice(dst []byte, slice *Slice) ([]byte, error) {
	contentIDs := make([]int32, 0, len(slice.External))
	for contentID := range slice.External {
		contentIDs = append(contentIDs, contentID)
	}
	sort.Slice(contentIDs, func(i, j int) bool { return contentIDs[i] < contentIDs[j] })

	blocks := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(blocks) }()
	var err error
	if blocks, err = writer.appendBlock(blocks, MethodRaw, slice.Core); err != nil {
		return nil, err
	}
	sizes := make([]int32, len(contentIDs))
	for i, contentID := range contentIDs {
		blockStart := len(blocks)
		if blocks, err = writer.appendBlock(blocks, writer.DataMethod, slice.External[contentID]); err != nil {
			return nil, err
		}
		sizes[i] = int32(len(blocks) - blockStart)
	}

	dst = appendInt32(dst, slice.ReferenceID)
	dst = appendInt32(dst, slice.AlignmentStart)
	dst = appendInt32(dst, slice.Span)
	dst = appendInt32(dst, slice.RecordCount)
	dst = appendInt32(dst, int32(len(contentIDs)))
	for i, contentID := range contentIDs {
		dst = appendInt32(dst, contentID)
		dst = appendInt32(dst, sizes[i])
	}
	return append(dst, blocks...), nil
}

// WriteContainer writes one container: its header, the compression
// header block, and the slices with their blocks, recording a
// landmark for each slice.
func (writer *Writer) WriteContainer(container *Container) error {
	body := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(body) }()
	var err error
	if body, err = writer.appendBlock(body, writer.HeaderMethod, container.Header.append(nil)); err != nil {
		return err
	}
	landmarks := make([]int32, len(container.Slices))
	for i, slice := range container.Slices {
		landmarks[i] = int32(len(body))
		if body, err = writer.appendSlice(body, slice); err != nil {
			return err
		}
	}
	header := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(header) }()
	header = appendInt32(header, int32(len(body)))
	header = appendInt32(header, container.ReferenceID)
	header = appendInt32(header, container.Start)
	header = appendInt32(header, container.Span)
	header = appendInt32(header, container.RecordCount)
	header = appendInt32(header, int32(len(landmarks)))
	for _, landmark := range landmarks {
		header = appendInt32(header, landmark)
	}
	if _, err := writer.w.Write(header); err != nil {
		return err
	}
	_, err = writer.w.Write(body)
	return err
}

// Close writes the end-of-archive marker, a container header with a
// zero length field.
func (writer *Writer) Close() error {
	var eof [4]byte
	_, err := writer.w.Write(eof[:])
	return err
}
