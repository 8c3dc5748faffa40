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
	"context"

	"github.com/exascience/pargo/pipeline"
)

// Records decodes the records of all slices of the container, in
// slice order.
func (c *Container) Records() ([]*Record, error) {
	records := make([]*Record, 0, c.RecordCount)
	for _, slice := range c.Slices {
		sliceRecords, err := slice.Records(c.Header)
		if err != nil {
			return nil, err
		}
		records = append(records, sliceRecords...)
	}
	return records, nil
}

// Records decodes the records of all remaining containers in the
// stream, one container at a time.
func (r *Reader) Records() ([]*Record, error) {
	var records []*Record
	for {
		container, err := r.ReadContainer()
		if err != nil {
			return nil, err
		}
		if container == nil {
			return records, nil
		}
		containerRecords, err := container.Records()
		if err != nil {
			return nil, err
		}
		records = append(records, containerRecords...)
	}
}

// sliceSource feeds the slices of one container into a pargo
// pipeline.
type sliceSource struct {
	slices []*Slice
	index  int
	data   interface{}
}

// Err implements the method of the pipeline.Source interface.
func (src *sliceSource) Err() error {
	return nil
}

// Prepare implements the method of the pipeline.Source interface.
func (src *sliceSource) Prepare(_ context.Context) (size int) {
	return len(src.slices)
}

// Fetch implements the method of the pipeline.Source interface.
func (src *sliceSource) Fetch(_ int) (fetched int) {
	if src.index >= len(src.slices) {
		return 0
	}
	src.data = src.slices[src.index]
	src.index++
	return 1
}

// Data implements the method of the pipeline.Source interface.
func (src *sliceSource) Data() interface{} {
	return src.data
}

// ParallelRecords decodes the records of all slices of the container
// across parallel workers. Slices are independent once the compression
// header is parsed: each worker exclusively owns its slice's streams
// and only shares the read-only header, so no locking is involved. The
// result is identical to that of Records.
func (c *Container) ParallelRecords() ([]*Record, error) {
	var records []*Record
	var p pipeline.Pipeline
	p.Source(&sliceSource{slices: c.Slices})
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			sliceRecords, err := data.(*Slice).Records(c.Header)
			if err != nil {
				p.SetErr(err)
			}
			return sliceRecords
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			records = append(records, data.([]*Record)...)
			return data
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// containerSource feeds containers from a Reader into a pargo
// pipeline, one container per fetch.
type containerSource struct {
	reader *Reader
	err    error
	data   interface{}
}

// Err implements the method of the pipeline.Source interface.
func (src *containerSource) Err() error {
	return src.err
}

// Prepare implements the method of the pipeline.Source interface.
func (src *containerSource) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the method of the pipeline.Source interface.
func (src *containerSource) Fetch(_ int) (fetched int) {
	if src.err != nil {
		return 0
	}
	container, err := src.reader.ReadContainer()
	if err != nil {
		src.err = err
		return 0
	}
	if container == nil {
		return 0
	}
	src.data = container
	return 1
}

// Data implements the method of the pipeline.Source interface.
func (src *containerSource) Data() interface{} {
	return src.data
}

// ParallelRecords decodes the records of all remaining containers in
// the stream. Containers are fetched sequentially and decoded in
// parallel; the result preserves stream order. Record order and
// content are identical to those of Records.
func (r *Reader) ParallelRecords() ([]*Record, error) {
	var records []*Record
	var p pipeline.Pipeline
	p.Source(&containerSource{reader: r})
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			container := data.(*Container)
			containerRecords, err := container.Records()
			if err != nil {
				p.SetErr(err)
			}
			return containerRecords
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			records = append(records, data.([]*Record)...)
			return data
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
