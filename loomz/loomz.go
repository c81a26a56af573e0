// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loomz reads and writes loom-layout containers: a main
// matrix plus named row, column, and global attributes, stored as a
// zip archive of .npy arrays (numeric data) and JSON documents
// (strings and global attributes), with a manifest that records the
// dtype, shape, field labels, and blake2b-256 checksum of every
// entry.
//
// Layout inside the archive:
//
//	manifest.json
//	attrs.json
//	matrix.npy
//	row_attrs/<name>.npy|.json
//	col_attrs/<name>.npy|.json
//
// numpy.load() can open the archive directly (as an .npz file) to get
// at the numeric arrays.
package loomz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	DtypeFloat32 = "<f4"
	DtypeUint8   = "|u1"
	DtypeUint16  = "<u2"
	DtypeUint32  = "<u4"
	DtypeString  = "str"
	dtypeJSON    = "json"

	manifestVersion = 1
)

var (
	ErrFormat   = errors.New("malformed container")
	ErrChecksum = errors.New("checksum mismatch")
)

// Dataset is a 1-D or 2-D array in row-major order. Data is one of
// []float32, []uint8, []uint16, []uint32, or []string.
type Dataset struct {
	Shape  []int
	Fields []string // column labels of a 2-D attribute, if any
	Data   interface{}
}

func Float32s(data []float32, shape ...int) Dataset {
	return Dataset{Shape: defaultShape(len(data), shape), Data: data}
}

func Uint8s(data []uint8, shape ...int) Dataset {
	return Dataset{Shape: defaultShape(len(data), shape), Data: data}
}

func Uint16s(data []uint16, shape ...int) Dataset {
	return Dataset{Shape: defaultShape(len(data), shape), Data: data}
}

func Uint32s(data []uint32, shape ...int) Dataset {
	return Dataset{Shape: defaultShape(len(data), shape), Data: data}
}

func Strings(data []string) Dataset {
	return Dataset{Shape: []int{len(data)}, Data: data}
}

func defaultShape(n int, shape []int) []int {
	if len(shape) == 0 {
		return []int{n}
	}
	return append([]int(nil), shape...)
}

// WithFields returns a copy of ds with the given column labels.
func (ds Dataset) WithFields(fields []string) Dataset {
	ds.Fields = append([]string(nil), fields...)
	return ds
}

func (ds Dataset) Dtype() string {
	switch ds.Data.(type) {
	case []float32:
		return DtypeFloat32
	case []uint8:
		return DtypeUint8
	case []uint16:
		return DtypeUint16
	case []uint32:
		return DtypeUint32
	case []string:
		return DtypeString
	default:
		return ""
	}
}

// Len returns the number of elements in Data.
func (ds Dataset) Len() int {
	switch data := ds.Data.(type) {
	case []float32:
		return len(data)
	case []uint8:
		return len(data)
	case []uint16:
		return len(data)
	case []uint32:
		return len(data)
	case []string:
		return len(data)
	default:
		return 0
	}
}

// Rows returns the size of the first dimension.
func (ds Dataset) Rows() int {
	if len(ds.Shape) == 0 {
		return 0
	}
	return ds.Shape[0]
}

// Cols returns the size of the second dimension, or 1 for a 1-D
// dataset.
func (ds Dataset) Cols() int {
	if len(ds.Shape) < 2 {
		return 1
	}
	return ds.Shape[1]
}

// FieldIndex returns the column index of the given field label, or
// -1 if it is not present.
func (ds Dataset) FieldIndex(field string) int {
	for i, f := range ds.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Float64At returns element (row, col) of a numeric dataset as a
// float64.
func (ds Dataset) Float64At(row, col int) float64 {
	i := row*ds.Cols() + col
	switch data := ds.Data.(type) {
	case []float32:
		return float64(data[i])
	case []uint8:
		return float64(data[i])
	case []uint16:
		return float64(data[i])
	case []uint32:
		return float64(data[i])
	default:
		panic(fmt.Sprintf("loomz: Float64At on %T", ds.Data))
	}
}

func (ds Dataset) check() error {
	if ds.Dtype() == "" {
		return fmt.Errorf("%w: unsupported data type %T", ErrFormat, ds.Data)
	}
	if len(ds.Shape) < 1 || len(ds.Shape) > 2 {
		return fmt.Errorf("%w: shape %v is not 1-D or 2-D", ErrFormat, ds.Shape)
	}
	n := 1
	for _, d := range ds.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in shape %v", ErrFormat, ds.Shape)
		}
		n *= d
	}
	if n != ds.Len() {
		return fmt.Errorf("%w: shape %v does not match %d elements", ErrFormat, ds.Shape, ds.Len())
	}
	if ds.Fields != nil && (len(ds.Shape) != 2 || len(ds.Fields) != ds.Shape[1]) {
		return fmt.Errorf("%w: %d field labels for shape %v", ErrFormat, len(ds.Fields), ds.Shape)
	}
	return nil
}

// Container is a loom-layout dataset: Matrix is rows (genes) x
// columns (cells); every RowAttrs entry has Matrix.Rows() rows and
// every ColAttrs entry has Matrix.Cols() rows.
type Container struct {
	Attrs    map[string]interface{}
	Matrix   Dataset
	RowAttrs map[string]Dataset
	ColAttrs map[string]Dataset
}

func New() *Container {
	return &Container{
		Attrs:    map[string]interface{}{},
		RowAttrs: map[string]Dataset{},
		ColAttrs: map[string]Dataset{},
	}
}

func (c *Container) Validate() error {
	if err := c.Matrix.check(); err != nil {
		return fmt.Errorf("matrix: %w", err)
	}
	if len(c.Matrix.Shape) != 2 {
		return fmt.Errorf("%w: matrix shape %v is not 2-D", ErrFormat, c.Matrix.Shape)
	}
	if c.Matrix.Dtype() == DtypeString {
		return fmt.Errorf("%w: matrix cannot hold strings", ErrFormat)
	}
	for _, axis := range []struct {
		label string
		attrs map[string]Dataset
		size  int
	}{
		{"row_attrs", c.RowAttrs, c.Matrix.Shape[0]},
		{"col_attrs", c.ColAttrs, c.Matrix.Shape[1]},
	} {
		for name, ds := range axis.attrs {
			if name == "" || strings.ContainsAny(name, "/\\") {
				return fmt.Errorf("%w: invalid attribute name %q", ErrFormat, name)
			}
			if err := ds.check(); err != nil {
				return fmt.Errorf("%s/%s: %w", axis.label, name, err)
			}
			if ds.Shape[0] != axis.size {
				return fmt.Errorf("%w: %s/%s has %d rows, matrix axis has %d", ErrFormat, axis.label, name, ds.Shape[0], axis.size)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]Dataset) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
