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

/*
Package rans implements the 4-way interleaved rANS entropy coder used
for CRAM block payloads. See https://samtools.github.io/hts-specs/CRAMv3.pdf
- Section 13, and "Asymmetric Numeral Systems" by Jarek Duda at
http://arxiv.org/abs/0902.0271.
*/
package rans

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Order selects the frequency model of the coder: Order0 uses a single
// frequency table, Order1 selects a table based on the previously coded
// symbol in the same lane.
type Order byte

const (
	// Order0 is the order-0 adaptive model.
	Order0 Order = iota
	// Order1 is the order-1 adaptive model.
	Order1
)

const (
	alphabetSize = 256

	// scaleBits is the fixed probability resolution: all frequency
	// tables are normalized so that cumulative frequencies fit in
	// scaleBits bits.
	scaleBits = 12
	scale     = 1 << scaleBits

	// normalizedTotal is the target sum of a normalized frequency
	// table. It is one less than scale so that every scaleBits-bit
	// cumulative value has a defined owning symbol.
	normalizedTotal = scale - 1

	// lowerBound is the renormalization interval lower bound shared by
	// all four lanes. A lane state always lies in
	// [lowerBound, lowerBound<<8) between decode steps.
	lowerBound = 1 << 23

	stateCount = 4

	headerLength = 9
)

// ErrCorrupt is reported when a compressed stream is structurally
// invalid: a frequency table exceeding the fixed probability scale, a
// symbol resolving to a zero frequency, or a lane state outside the
// renormalization interval.
var ErrCorrupt = errors.New("corrupt rANS stream")

type frequencyTable [alphabetSize]uint16

// readByte reads a single byte, reporting end of input as truncation
// rather than a clean end of stream.
func readByte(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	return b, nil
}

// Frequencies below 0x8000 are serialized in one or two bytes: a
// single byte for values below 0x80, otherwise the high byte with the
// top bit set followed by the low byte.

func readFrequency(r *bytes.Reader) (uint16, error) {
	f0, err := readByte(r)
	if err != nil {
		return 0, err
	}
	if f0 < 0x80 {
		return uint16(f0), nil
	}
	f1, err := readByte(r)
	if err != nil {
		return 0, err
	}
	return uint16(f0&0x7F)<<8 | uint16(f1), nil
}

func appendFrequency(dst []byte, f uint16) []byte {
	if f < 0x80 {
		return append(dst, byte(f))
	}
	return append(dst, 0x80|byte(f>>8), byte(f))
}

// readFrequencies0 reads one run-length-compacted order-0 frequency
// table. Symbol 0 terminates the table; when a symbol directly follows
// its predecessor, an explicit run count announces how many further
// consecutive symbols are implied without symbol bytes of their own.
func readFrequencies0(r *bytes.Reader, freqs *frequencyTable) error {
	sym, err := readByte(r)
	if err != nil {
		return err
	}
	lastSym := sym
	var rle byte
	for {
		f, err := readFrequency(r)
		if err != nil {
			return err
		}
		freqs[sym] = f
		if rle > 0 {
			rle--
			sym++
		} else {
			if sym, err = readByte(r); err != nil {
				return err
			}
			if lastSym < 255 && sym == lastSym+1 {
				if rle, err = readByte(r); err != nil {
					return err
				}
			}
		}
		lastSym = sym
		if sym == 0 {
			break
		}
	}
	var total uint32
	for _, f := range freqs {
		total += uint32(f)
	}
	if total > scale {
		return fmt.Errorf("frequency table total %v exceeds the probability scale: %w", total, ErrCorrupt)
	}
	return nil
}

func appendFrequencies0(dst []byte, freqs *frequencyTable) []byte {
	var rle int
	for sym := 0; sym < alphabetSize; sym++ {
		f := freqs[sym]
		if f == 0 {
			continue
		}
		if rle > 0 {
			rle--
		} else {
			dst = append(dst, byte(sym))
			if sym > 0 && freqs[sym-1] > 0 {
				for next := sym + 1; next < alphabetSize && freqs[next] > 0; next++ {
					rle++
				}
				dst = append(dst, byte(rle))
			}
		}
		dst = appendFrequency(dst, f)
	}
	return append(dst, 0)
}

// readFrequencies1 reads 256 order-0 tables, one per previous-symbol
// context, compacted with the same run-length convention across
// contexts with nonzero totals.
func readFrequencies1(r *bytes.Reader, freqs *[alphabetSize]frequencyTable) error {
	ctx, err := readByte(r)
	if err != nil {
		return err
	}
	lastCtx := ctx
	var rle byte
	for {
		if err := readFrequencies0(r, &freqs[ctx]); err != nil {
			return err
		}
		if rle > 0 {
			rle--
			ctx++
		} else {
			if ctx, err = readByte(r); err != nil {
				return err
			}
			if lastCtx < 255 && ctx == lastCtx+1 {
				if rle, err = readByte(r); err != nil {
					return err
				}
			}
		}
		lastCtx = ctx
		if ctx == 0 {
			break
		}
	}
	return nil
}

func appendFrequencies1(dst []byte, freqs *[alphabetSize]frequencyTable) []byte {
	var totals [alphabetSize]uint32
	for ctx := range freqs {
		for _, f := range freqs[ctx] {
			totals[ctx] += uint32(f)
		}
	}
	var rle int
	for ctx := 0; ctx < alphabetSize; ctx++ {
		if totals[ctx] == 0 {
			continue
		}
		if rle > 0 {
			rle--
		} else {
			dst = append(dst, byte(ctx))
			if ctx > 0 && totals[ctx-1] > 0 {
				for next := ctx + 1; next < alphabetSize && totals[next] > 0; next++ {
					rle++
				}
				dst = append(dst, byte(rle))
			}
		}
		dst = appendFrequencies0(dst, &freqs[ctx])
	}
	return append(dst, 0)
}

// buildCumulativeFrequencies computes prefix sums over symbol order:
// the result at symbol s is the sum of the frequencies of all symbols
// below s.
func buildCumulativeFrequencies(freqs *frequencyTable) (cfreqs frequencyTable) {
	for i := 0; i < alphabetSize-1; i++ {
		cfreqs[i+1] = cfreqs[i] + freqs[i]
	}
	return cfreqs
}

// buildSymbolTable inverts a cumulative frequency table into a direct
// lookup from any scaleBits-bit cumulative value to its owning symbol.
func buildSymbolTable(cfreqs *frequencyTable, table *[scale]byte) {
	var sym int
	for i := range table {
		for sym < alphabetSize-1 && uint16(i) >= cfreqs[sym+1] {
			sym++
		}
		table[i] = byte(sym)
	}
}

func readStates(r *bytes.Reader) (states [stateCount]uint32, err error) {
	var buf [4 * stateCount]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return states, io.ErrUnexpectedEOF
	}
	for i := range states {
		states[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return states, nil
}

func appendStates(dst []byte, states *[stateCount]uint32) []byte {
	var buf [4 * stateCount]byte
	for i, state := range states {
		binary.LittleEndian.PutUint32(buf[4*i:], state)
	}
	return append(dst, buf[:]...)
}

// renormalize refills a lane state one byte at a time until it reenters
// the renormalization interval.
func renormalize(r *bytes.Reader, state uint32) (uint32, error) {
	for state < lowerBound {
		b, err := readByte(r)
		if err != nil {
			return 0, err
		}
		state = state<<8 | uint32(b)
	}
	if state >= lowerBound<<8 {
		return 0, fmt.Errorf("lane state %#x outside the renormalization interval: %w", state, ErrCorrupt)
	}
	return state, nil
}

func advance(state uint32, f, cf uint16) uint32 {
	return uint32(f)*(state>>scaleBits) + (state & (scale - 1)) - uint32(cf)
}

// Decode decompresses a complete rANS stream, including its 9-byte
// header, and returns the uncompressed bytes.
func Decode(src []byte) ([]byte, error) {
	r := bytes.NewReader(src)
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	order := Order(header[0])
	compressedLength := int(binary.LittleEndian.Uint32(header[1:5]))
	dataLength := int(binary.LittleEndian.Uint32(header[5:9]))
	if r.Len() < compressedLength {
		return nil, io.ErrUnexpectedEOF
	}
	if dataLength == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, dataLength)
	var err error
	switch order {
	case Order0:
		err = decode0(r, dst)
	case Order1:
		err = decode1(r, dst)
	default:
		err = fmt.Errorf("invalid order %v: %w", header[0], ErrCorrupt)
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}

func decode0(r *bytes.Reader, dst []byte) error {
	var freqs frequencyTable
	if err := readFrequencies0(r, &freqs); err != nil {
		return err
	}
	cfreqs := buildCumulativeFrequencies(&freqs)
	table := new([scale]byte)
	buildSymbolTable(&cfreqs, table)
	states, err := readStates(r)
	if err != nil {
		return err
	}
	// Order-0 lanes interleave round-robin: output position i is
	// produced by lane i mod 4.
	for i := range dst {
		j := i & (stateCount - 1)
		s := table[states[j]&(scale-1)]
		if freqs[s] == 0 {
			return fmt.Errorf("symbol %v has zero frequency: %w", s, ErrCorrupt)
		}
		dst[i] = s
		if states[j], err = renormalize(r, advance(states[j], freqs[s], cfreqs[s])); err != nil {
			return err
		}
	}
	return nil
}

func decode1(r *bytes.Reader, dst []byte) error {
	freqs := new([alphabetSize]frequencyTable)
	if err := readFrequencies1(r, freqs); err != nil {
		return err
	}
	cfreqs := new([alphabetSize]frequencyTable)
	tables := new([alphabetSize][scale]byte)
	for ctx := range freqs {
		cfreqs[ctx] = buildCumulativeFrequencies(&freqs[ctx])
		buildSymbolTable(&cfreqs[ctx], &tables[ctx])
	}
	states, err := readStates(r)
	if err != nil {
		return err
	}
	// Order-1 lanes own contiguous chunks of a quarter of the output
	// each; the last chunk absorbs the remainder. Context 0 selects
	// the table for the first symbol of each lane.
	chunkSize := len(dst) / stateCount
	var lastSyms [stateCount]byte
	step := func(j int, i int) error {
		ctx := lastSyms[j]
		s := tables[ctx][states[j]&(scale-1)]
		if freqs[ctx][s] == 0 {
			return fmt.Errorf("symbol %v has zero frequency in context %v: %w", s, ctx, ErrCorrupt)
		}
		dst[i] = s
		if states[j], err = renormalize(r, advance(states[j], freqs[ctx][s], cfreqs[ctx][s])); err != nil {
			return err
		}
		lastSyms[j] = s
		return nil
	}
	for i := 0; i < chunkSize; i++ {
		for j := 0; j < stateCount; j++ {
			if err := step(j, j*chunkSize+i); err != nil {
				return err
			}
		}
	}
	for i := stateCount * chunkSize; i < len(dst); i++ {
		if err := step(stateCount-1, i); err != nil {
			return err
		}
	}
	return nil
}

// Encode compresses src under the given order and returns the complete
// rANS stream, including its 9-byte header.
func Encode(order Order, src []byte) ([]byte, error) {
	switch order {
	case Order0:
		return encode0(src), nil
	case Order1:
		return encode1(src), nil
	default:
		return nil, fmt.Errorf("invalid order %v", byte(order))
	}
}

// putSymbol flushes the low bytes of a lane state until the coming
// update cannot leave the renormalization interval, then folds the
// symbol into the state. Flushed bytes are collected in encoding order
// and reversed by the caller.
func putSymbol(buf []byte, state uint32, f, cf uint16) ([]byte, uint32) {
	for state >= (lowerBound>>4)*uint32(f) {
		buf = append(buf, byte(state))
		state >>= 8
	}
	return buf, state/uint32(f)<<scaleBits + state%uint32(f) + uint32(cf)
}

func finishEncode(order Order, table []byte, states *[stateCount]uint32, buf []byte, dataLength int) []byte {
	dst := make([]byte, headerLength, headerLength+len(table)+4*stateCount+len(buf))
	dst = append(dst, table...)
	dst = appendStates(dst, states)
	for i := len(buf) - 1; i >= 0; i-- {
		dst = append(dst, buf[i])
	}
	dst[0] = byte(order)
	binary.LittleEndian.PutUint32(dst[1:5], uint32(len(dst)-headerLength))
	binary.LittleEndian.PutUint32(dst[5:9], uint32(dataLength))
	return dst
}

// normalizeFrequencies scales raw symbol counts so that they sum to
// exactly normalizedTotal, keeping every observed symbol at a
// frequency of at least 1. Rounding remainders are settled against the
// most frequent symbol.
func normalizeFrequencies(counts *[alphabetSize]uint32) (freqs frequencyTable) {
	var total uint64
	var max uint32
	var maxIndex int
	for i, c := range counts {
		if c >= max {
			max = c
			maxIndex = i
		}
		total += uint64(c)
	}
	if total == 0 {
		return freqs
	}
	var sum uint32
	for i, c := range counts {
		f := uint32(uint64(c) * normalizedTotal / total)
		if f == 0 && c > 0 {
			f = 1
		}
		freqs[i] = uint16(f)
		sum += f
	}
	for sum > normalizedTotal {
		// Heavily skewed inputs can round up past the target; settle
		// the excess against the frequencies that can spare it.
		for i := range freqs {
			if sum > normalizedTotal && freqs[i] > 1 {
				freqs[i]--
				sum--
			}
		}
	}
	if sum < normalizedTotal {
		freqs[maxIndex] += uint16(normalizedTotal - sum)
	}
	return freqs
}

func encode0(src []byte) []byte {
	if len(src) == 0 {
		return finishEncode(Order0, nil, &[stateCount]uint32{lowerBound, lowerBound, lowerBound, lowerBound}, nil, 0)
	}
	counts := new([alphabetSize]uint32)
	for _, s := range src {
		counts[s]++
	}
	freqs := normalizeFrequencies(counts)
	cfreqs := buildCumulativeFrequencies(&freqs)
	states := [stateCount]uint32{lowerBound, lowerBound, lowerBound, lowerBound}
	var buf []byte
	for i := len(src) - 1; i >= 0; i-- {
		s := src[i]
		j := i & (stateCount - 1)
		buf, states[j] = putSymbol(buf, states[j], freqs[s], cfreqs[s])
	}
	return finishEncode(Order0, appendFrequencies0(nil, &freqs), &states, buf, len(src))
}

func encode1(src []byte) []byte {
	if len(src) == 0 {
		return finishEncode(Order1, nil, &[stateCount]uint32{lowerBound, lowerBound, lowerBound, lowerBound}, nil, 0)
	}
	chunkSize := len(src) / stateCount
	// Statistics cover every adjacent pair of the whole input; the
	// first symbol of each lane's chunk is attributed to context 0.
	counts := new([alphabetSize][alphabetSize]uint32)
	for i := 1; i < len(src); i++ {
		counts[src[i-1]][src[i]]++
	}
	for j := 0; j < stateCount; j++ {
		counts[0][src[j*chunkSize]]++
	}
	freqs := new([alphabetSize]frequencyTable)
	cfreqs := new([alphabetSize]frequencyTable)
	for ctx := range counts {
		freqs[ctx] = normalizeFrequencies(&counts[ctx])
		cfreqs[ctx] = buildCumulativeFrequencies(&freqs[ctx])
	}
	context := func(i int) byte {
		if i == 0 || (chunkSize > 0 && (i == chunkSize || i == 2*chunkSize || i == 3*chunkSize)) {
			return 0
		}
		return src[i-1]
	}
	states := [stateCount]uint32{lowerBound, lowerBound, lowerBound, lowerBound}
	var buf []byte
	// Symbols are folded in the exact reverse of decode order: the
	// last chunk's tail first, then the interleaved chunk bodies.
	for i := len(src) - 1; i >= stateCount*chunkSize; i-- {
		ctx := context(i)
		buf, states[stateCount-1] = putSymbol(buf, states[stateCount-1], freqs[ctx][src[i]], cfreqs[ctx][src[i]])
	}
	for i := chunkSize - 1; i >= 0; i-- {
		for j := stateCount - 1; j >= 0; j-- {
			ctx := context(j*chunkSize + i)
			s := src[j*chunkSize+i]
			buf, states[j] = putSymbol(buf, states[j], freqs[ctx][s], cfreqs[ctx][s])
		}
	}
	return finishEncode(Order1, appendFrequencies1(nil, freqs), &states, buf, len(src))
}
