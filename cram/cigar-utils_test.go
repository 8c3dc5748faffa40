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
	"errors"
	"testing"
)

func collectCigar(t *testing.T, record *Record) []CigarOperation {
	t.Helper()
	var operations []CigarOperation
	cigar := record.Cigar()
	for cigar.Next() {
		operations = append(operations, cigar.Op())
	}
	if err := cigar.Err(); err != nil {
		t.Fatal(err)
	}
	return operations
}

func cigarsEqual(operations1, operations2 []CigarOperation) bool {
	if len(operations1) != len(operations2) {
		return false
	}
	for i, operation1 := range operations1 {
		if operation1 != operations2[i] {
			return false
		}
	}
	return true
}

func TestCigarNoFeatures(t *testing.T) {
	record := &Record{ReadLength: 4}
	if !cigarsEqual(collectCigar(t, record), []CigarOperation{{4, OperationMatch}}) {
		t.Error("Cigar without features failed")
	}
	record = &Record{ReadLength: 0}
	if collectCigar(t, record) != nil {
		t.Error("Cigar of an empty read failed")
	}
}

func TestCigarSoftClip(t *testing.T) {
	record := &Record{
		ReadLength: 4,
		Features:   []Feature{{Code: FeatureSoftClip, Position: 1, Bytes: []byte("AT")}},
	}
	expected := []CigarOperation{{2, OperationSoftClip}, {2, OperationMatch}}
	if !cigarsEqual(collectCigar(t, record), expected) {
		t.Error("Cigar with a soft clip failed")
	}
}

func TestCigarHardClip(t *testing.T) {
	record := &Record{
		ReadLength: 4,
		Features:   []Feature{{Code: FeatureHardClip, Position: 1, Length: 2}},
	}
	expected := []CigarOperation{{2, OperationHardClip}, {4, OperationMatch}}
	if !cigarsEqual(collectCigar(t, record), expected) {
		t.Error("Cigar with a hard clip failed")
	}
}

func TestCigarSubstitution(t *testing.T) {
	// substitutions contribute their own single-base Match; nothing is
	// merged
	record := &Record{
		ReadLength: 4,
		Features:   []Feature{{Code: FeatureSubstitution, Position: 2, Value: 1}},
	}
	expected := []CigarOperation{{1, OperationMatch}, {1, OperationMatch}, {2, OperationMatch}}
	if !cigarsEqual(collectCigar(t, record), expected) {
		t.Error("Cigar with a substitution failed")
	}
}

func TestCigarIndels(t *testing.T) {
	record := &Record{
		ReadLength: 10,
		Features: []Feature{
			{Code: FeatureInsertion, Position: 3, Bytes: []byte("GGA")},
			{Code: FeatureDeletion, Position: 7, Length: 5},
			{Code: FeatureInsertBase, Position: 7, Value: 'C'},
			{Code: FeatureReferenceSkip, Position: 9, Length: 100},
			{Code: FeaturePadding, Position: 9, Length: 2},
		},
	}
	expected := []CigarOperation{
		{2, OperationMatch},
		{3, OperationInsertion},
		{1, OperationMatch},
		{5, OperationDeletion},
		{1, OperationInsertion},
		{1, OperationMatch},
		{100, OperationReferenceSkip},
		{2, OperationPadding},
		{2, OperationMatch},
	}
	if !cigarsEqual(collectCigar(t, record), expected) {
		t.Errorf("Cigar with indels failed: got %v", collectCigar(t, record))
	}
}

func TestCigarScoreFeatures(t *testing.T) {
	// score-only features contribute no operation and no gap skipping
	// is lost
	record := &Record{
		ReadLength: 6,
		Features: []Feature{
			{Code: FeatureQualityScore, Position: 2, Value: 30},
			{Code: FeatureScores, Position: 4, Bytes: []byte{10, 20}},
		},
	}
	expected := []CigarOperation{{1, OperationMatch}, {2, OperationMatch}, {3, OperationMatch}}
	if !cigarsEqual(collectCigar(t, record), expected) {
		t.Error("Cigar with score features failed")
	}
}

func TestCigarReadLengthInvariant(t *testing.T) {
	records := []*Record{
		{ReadLength: 4},
		{ReadLength: 4, Features: []Feature{{Code: FeatureSoftClip, Position: 1, Bytes: []byte("AT")}}},
		{ReadLength: 4, Features: []Feature{{Code: FeatureHardClip, Position: 1, Length: 2}}},
		{ReadLength: 7, Features: []Feature{
			{Code: FeatureReadBase, Position: 2, Value: 'A', Value2: 40},
			{Code: FeatureBases, Position: 4, Bytes: []byte("CGT")},
		}},
	}
	for i, record := range records {
		var consumed int32
		for _, operation := range collectCigar(t, record) {
			if consumesRead(operation.Operation) {
				consumed += operation.Length
			}
		}
		if consumed != record.ReadLength {
			t.Errorf("Cigar %v consumes %v of %v read bases", i, consumed, record.ReadLength)
		}
	}
}

func TestCigarOverflow(t *testing.T) {
	record := &Record{
		ReadLength: 4,
		Features:   []Feature{{Code: FeatureSoftClip, Position: 1, Bytes: []byte("ATGCA")}},
	}
	cigar := record.Cigar()
	for cigar.Next() {
	}
	if !errors.Is(cigar.Err(), ErrReadLength) {
		t.Errorf("Cigar overflow returned %v", cigar.Err())
	}
}

func TestCigarUnknownFeature(t *testing.T) {
	record := &Record{
		ReadLength: 4,
		Features:   []Feature{{Code: 'Z', Position: 1}},
	}
	cigar := record.Cigar()
	for cigar.Next() {
	}
	if !errors.Is(cigar.Err(), ErrCorrupt) {
		t.Errorf("Cigar with an unknown feature returned %v", cigar.Err())
	}
}

func collectScores(record *Record) []byte {
	var scores []byte
	qualities := record.QualityScores()
	for qualities.Next() {
		scores = append(scores, qualities.Score())
	}
	return scores
}

func TestQualityScores(t *testing.T) {
	record := &Record{ReadLength: 4}
	if !bytes.Equal(collectScores(record), []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Error("QualityScores without features failed")
	}
	record = &Record{
		ReadLength: 6,
		Features: []Feature{
			{Code: FeatureQualityScore, Position: 2, Value: 30},
			{Code: FeatureReadBase, Position: 3, Value: 'A', Value2: 40},
			{Code: FeatureScores, Position: 5, Bytes: []byte{10, 20}},
		},
	}
	if !bytes.Equal(collectScores(record), []byte{0xff, 30, 40, 0xff, 10, 20}) {
		t.Errorf("QualityScores failed: got %v", collectScores(record))
	}
	// the view can be regenerated from the same record
	if !bytes.Equal(collectScores(record), []byte{0xff, 30, 40, 0xff, 10, 20}) {
		t.Error("QualityScores regeneration failed")
	}
	record = &Record{ReadLength: 0}
	if collectScores(record) != nil {
		t.Error("QualityScores of an empty read failed")
	}
}
