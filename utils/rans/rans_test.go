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

package rans

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// encodedNoodles0 is the order-0 compression of the byte sequence
// "noodles", as produced by the htslib family of CRAM codecs.
var encodedNoodles0 = []byte{
	0x00, 0x25, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x64, 0x82, 0x49, 0x65, 0x00,
	0x82, 0x49, 0x6c, 0x82, 0x49, 0x6e, 0x82, 0x49, 0x6f, 0x00, 0x84, 0x92, 0x73, 0x82,
	0x49, 0x00, 0xe2, 0x06, 0x83, 0x18, 0x74, 0x7b, 0x41, 0x0c, 0x2b, 0xa9, 0x41, 0x0c,
	0x25, 0x31, 0x80, 0x03,
}

// encodedNoodles1 is the order-1 compression of the same sequence.
var encodedNoodles1 = []byte{
	0x01, 0x3b, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x64, 0x83, 0xff, 0x6e,
	0x83, 0xff, 0x6f, 0x00, 0x88, 0x01, 0x00, 0x64, 0x6c, 0x8f, 0xff, 0x00, 0x65, 0x00,
	0x73, 0x8f, 0xff, 0x00, 0x6c, 0x65, 0x8f, 0xff, 0x00, 0x6e, 0x6f, 0x8f, 0xff, 0x00,
	0x6f, 0x00, 0x64, 0x87, 0xff, 0x6f, 0x88, 0x00, 0x00, 0x00, 0x07, 0x84, 0x00, 0x02,
	0x00, 0xe8, 0xff, 0x00, 0x00, 0xe8, 0xff, 0x00, 0x10, 0xe0, 0x00, 0x02,
}

func TestEncodeOrder0(t *testing.T) {
	encoded, err := Encode(Order0, []byte("noodles"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, encodedNoodles0) {
		t.Errorf("Encode order 0 failed: got % x, want % x", encoded, encodedNoodles0)
	}
}

func TestEncodeOrder1(t *testing.T) {
	encoded, err := Encode(Order1, []byte("noodles"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, encodedNoodles1) {
		t.Errorf("Encode order 1 failed: got % x, want % x", encoded, encodedNoodles1)
	}
}

func TestDecodeOrder0(t *testing.T) {
	decoded, err := Decode(encodedNoodles0)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "noodles" {
		t.Errorf("Decode order 0 failed: got %q", decoded)
	}
}

func TestDecodeOrder1(t *testing.T) {
	decoded, err := Decode(encodedNoodles1)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "noodles" {
		t.Errorf("Decode order 1 failed: got %q", decoded)
	}
}

func makeSkewedBuffer(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		if rand.Intn(100) < 90 {
			buf[i] = 'A' + byte(rand.Intn(4))
		} else {
			buf[i] = byte(rand.Intn(256))
		}
	}
	return buf
}

func makeUniformBuffer(size int) []byte {
	buf := make([]byte, size)
	rand.Read(buf)
	return buf
}

func makeConstantBuffer(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x51
	}
	return buf
}

func roundTrip(t *testing.T, order Order, src []byte) {
	t.Helper()
	encoded, err := Encode(order, src)
	if err != nil {
		t.Fatalf("Encode order %v of %v bytes failed: %v", order, len(src), err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode order %v of %v bytes failed: %v", order, len(src), err)
	}
	if !bytes.Equal(decoded, src) {
		t.Errorf("round trip order %v of %v bytes failed", order, len(src))
	}
}

func TestRoundTrip(t *testing.T) {
	for _, order := range []Order{Order0, Order1} {
		for _, size := range []int{0, 1, 2, 3, 4, 5, 7, 13, 64, 255, 1000, 4096, 100000} {
			roundTrip(t, order, makeSkewedBuffer(size))
			roundTrip(t, order, makeUniformBuffer(size))
			roundTrip(t, order, makeConstantBuffer(size))
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, encoded := range [][]byte{encodedNoodles0, encodedNoodles1} {
		for i := 0; i < len(encoded); i++ {
			if _, err := Decode(encoded[:i]); err == nil {
				t.Errorf("Decode of a %v-byte truncation succeeded", i)
			}
		}
	}
}

func TestDecodeCorruptFrequencies(t *testing.T) {
	// inflate the frequency of 'o' so the table total exceeds the
	// probability scale
	corrupt := append([]byte(nil), encodedNoodles0...)
	corrupt[24] = 0x8f
	corrupt[25] = 0xff
	if _, err := Decode(corrupt); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decode of a corrupt frequency table returned %v", err)
	}
}

func TestDecodeInvalidOrder(t *testing.T) {
	corrupt := append([]byte(nil), encodedNoodles0...)
	corrupt[0] = 0x02
	if _, err := Decode(corrupt); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decode of an invalid order returned %v", err)
	}
}

func BenchmarkDecodeOrder0(b *testing.B) {
	encoded, err := Encode(Order0, makeSkewedBuffer(0x10000))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(encoded); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeOrder1(b *testing.B) {
	encoded, err := Encode(Order1, makeSkewedBuffer(0x10000))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(encoded); err != nil {
			b.Fatal(err)
		}
	}
}
