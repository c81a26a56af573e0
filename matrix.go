// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arvados/scopeloom/loomz"
	log "github.com/sirupsen/logrus"
)

const (
	attrGene   = "Gene"
	attrCellID = "CellID"
)

// exprMatrix is a dense cells x genes expression table stored in
// row-major order.
type exprMatrix struct {
	Cells []string
	Genes []string
	Data  []float32
}

func (m *exprMatrix) At(cell, gene int) float32 {
	return m.Data[cell*len(m.Genes)+gene]
}

// geneMajor returns the data transposed to genes x cells.
func (m *exprMatrix) geneMajor() []float32 {
	ncells, ngenes := len(m.Cells), len(m.Genes)
	out := make([]float32, len(m.Data))
	for c := 0; c < ncells; c++ {
		row := m.Data[c*ngenes : (c+1)*ngenes]
		for g, v := range row {
			out[g*ncells+c] = v
		}
	}
	return out
}

// trimExt returns the base name of fnm without ".gz" and the format
// extension.
func trimExt(fnm string) string {
	base := strings.TrimSuffix(filepath.Base(fnm), ".gz")
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// formatExt returns the lower-case format extension of fnm, ignoring
// a trailing ".gz".
func formatExt(fnm string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSuffix(fnm, ".gz")))
}

// loadExpressionMatrix reads a cells x genes table (.csv or .tsv,
// optionally gzipped) or a genes x cells loom container.
func loadExpressionMatrix(fnm, geneAttr, cellAttr string) (*exprMatrix, error) {
	switch ext := formatExt(fnm); ext {
	case ".csv":
		return readMatrixTable(fnm, ',')
	case ".tsv":
		return readMatrixTable(fnm, '\t')
	case ".loom":
		if strings.HasSuffix(fnm, ".gz") {
			return nil, formatErrorf(fnm, "compressed loom input is not supported")
		}
		return readMatrixLoom(fnm, geneAttr, cellAttr)
	default:
		return nil, formatErrorf(fnm, "unsupported expression matrix format %q (expecting .csv, .tsv, or .loom)", ext)
	}
}

func readMatrixTable(fnm string, comma rune) (*exprMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(f)
	rdr.Comma = comma
	rdr.FieldsPerRecord = -1
	rdr.ReuseRecord = true

	header, err := rdr.Read()
	if err == io.EOF {
		return nil, formatErrorf(fnm, "empty file")
	} else if err != nil {
		return nil, csvError(fnm, err)
	}
	if len(header) < 2 {
		return nil, formatErrorf(fnm, "header has %d fields, need a cell id column and at least one gene", len(header))
	}
	m := &exprMatrix{Genes: append([]string(nil), header[1:]...)}
	if dup := firstDuplicate(m.Genes); dup != "" {
		return nil, formatErrorf(fnm, "duplicate gene %q in header", dup)
	}
	ngenes := len(m.Genes)
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, csvError(fnm, err)
		}
		if len(rec) != ngenes+1 {
			return nil, formatErrorf(fnm, "line %d: %d fields, header has %d", line, len(rec), ngenes+1)
		}
		cell := rec[0]
		if seen[cell] {
			return nil, formatErrorf(fnm, "line %d: duplicate cell %q", line, cell)
		}
		seen[cell] = true
		m.Cells = append(m.Cells, cell)
		for i, s := range rec[1:] {
			v, err := parseExpression(s)
			if err != nil {
				return nil, formatErrorf(fnm, "line %d, gene %s: %s", line, m.Genes[i], err)
			}
			m.Data = append(m.Data, v)
		}
	}
	log.WithFields(log.Fields{
		"cells": len(m.Cells),
		"genes": ngenes,
	}).Infof("%s: loaded expression matrix", fnm)
	return m, nil
}

func parseExpression(s string) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid expression value %q", s)
	}
	return float32(v), nil
}

func readMatrixLoom(fnm, geneAttr, cellAttr string) (*exprMatrix, error) {
	c, err := readContainer(fnm)
	if err != nil {
		return nil, err
	}
	genes, err := stringAttr(c.RowAttrs, geneAttr)
	if err != nil {
		return nil, &FormatError{Path: fnm, Err: fmt.Errorf("row attribute: %w", err)}
	}
	cells, err := stringAttr(c.ColAttrs, cellAttr)
	if err != nil {
		return nil, &FormatError{Path: fnm, Err: fmt.Errorf("column attribute: %w", err)}
	}
	if dup := firstDuplicate(genes); dup != "" {
		return nil, formatErrorf(fnm, "duplicate gene %q", dup)
	}
	if dup := firstDuplicate(cells); dup != "" {
		return nil, formatErrorf(fnm, "duplicate cell %q", dup)
	}
	ngenes, ncells := c.Matrix.Rows(), c.Matrix.Cols()
	m := &exprMatrix{
		Cells: cells,
		Genes: genes,
		Data:  make([]float32, ngenes*ncells),
	}
	for g := 0; g < ngenes; g++ {
		for cell := 0; cell < ncells; cell++ {
			v := c.Matrix.Float64At(g, cell)
			if v < 0 || math.IsNaN(v) {
				return nil, formatErrorf(fnm, "invalid expression value %v for gene %s, cell %s", v, genes[g], cells[cell])
			}
			m.Data[cell*ngenes+g] = float32(v)
		}
	}
	log.WithFields(log.Fields{
		"cells": ncells,
		"genes": ngenes,
	}).Infof("%s: loaded expression matrix from loom (transposed)", fnm)
	return m, nil
}

// readContainer opens a loom container through open(), so inputs in
// Keep collections work too.
func readContainer(fnm string) (*loomz.Container, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, &IOError{Op: "open", Path: fnm, Err: err}
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, &IOError{Op: "seek", Path: fnm, Err: err}
	}
	ra, ok := f.(io.ReaderAt)
	if !ok {
		_, err = f.Seek(0, io.SeekStart)
		if err != nil {
			return nil, &IOError{Op: "seek", Path: fnm, Err: err}
		}
		buf, err := io.ReadAll(f)
		if err != nil {
			return nil, &IOError{Op: "read", Path: fnm, Err: err}
		}
		ra = bytes.NewReader(buf)
	}
	c, err := loomz.Decode(ra, size)
	if errors.Is(err, loomz.ErrFormat) || errors.Is(err, loomz.ErrChecksum) {
		return nil, &FormatError{Path: fnm, Err: err}
	} else if err != nil {
		return nil, &IOError{Op: "read", Path: fnm, Err: err}
	}
	return c, nil
}

func stringAttr(attrs map[string]loomz.Dataset, name string) ([]string, error) {
	ds, ok := attrs[name]
	if !ok {
		return nil, fmt.Errorf("%q not found", name)
	}
	strs, ok := ds.Data.([]string)
	if !ok || len(ds.Shape) != 1 {
		return nil, fmt.Errorf("%q is not a list of strings", name)
	}
	return strs, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return name
		}
		seen[name] = true
	}
	return ""
}

// csvError converts a csv parse error to a FormatError, and anything
// else (e.g., a read error from the underlying file) to an IOError.
func csvError(fnm string, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &FormatError{Path: fnm, Err: err}
	}
	return &IOError{Op: "read", Path: fnm, Err: err}
}
