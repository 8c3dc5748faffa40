// Package cram is a library for reading and writing the container
// layer of CRAM files, and for reconstructing alignment records from
// the sparse feature lists stored in CRAM slices.
//
// A CRAM file is a sequence of self-delimited containers. Each
// container carries one compression header and one or more slices;
// each slice carries a core block and a set of external blocks, one
// per logical data series. Blocks are independently compressed, by
// default with the rANS entropy coder from the utils/rans package.
//
// Records do not store their sequence, quality scores, and CIGAR
// directly. They store an ordered list of features describing how the
// read differs from its implied linear layout, and the CIGAR and
// quality views are derived lazily from that list.
//
// Slices within a container are independent once the compression
// header is available, so a container can be decoded slice by slice
// on one goroutine, or across multiple workers with ParallelRecords,
// which uses a pargo pipeline in the same way the rest of the library
// handles parallelism. See
// https://godoc.org/github.com/ExaScience/pargo/pipeline for details
// of pargo pipelines if necessary.
package cram
