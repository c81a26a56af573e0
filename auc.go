// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// activityMatrix holds per-cell regulon activity scores. Rows follow
// Cells, columns follow Regulons. Values is nil if either is empty.
type activityMatrix struct {
	Cells    []string
	Regulons []string
	Values   *mat.Dense
}

func (am *activityMatrix) At(cell, regulon int) float64 {
	return am.Values.At(cell, regulon)
}

// readActivityMatrix reads a delimited cells x regulons table and
// returns it with rows in the order given by cells. Column names are
// renamed with scopeName.
func readActivityMatrix(fnm string, cells []string) (*activityMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(f)
	rdr.Comma = '\t'
	if formatExt(fnm) == ".csv" {
		rdr.Comma = ','
	}
	rdr.FieldsPerRecord = -1
	rdr.ReuseRecord = true

	header, err := rdr.Read()
	if err == io.EOF {
		return nil, formatErrorf(fnm, "empty file")
	} else if err != nil {
		return nil, csvError(fnm, err)
	}
	if len(header) < 1 {
		return nil, formatErrorf(fnm, "empty header")
	}
	names := make([]string, len(header)-1)
	for i, name := range header[1:] {
		names[i] = strings.TrimSpace(name)
	}
	if dup := firstDuplicate(names); dup != "" {
		return nil, formatErrorf(fnm, "duplicate column %q", dup)
	}
	regulons, err := scopeNames(names)
	if err != nil {
		return nil, &FormatError{Path: fnm, Err: err}
	}

	row := make(map[string]int, len(cells))
	for i, cell := range cells {
		row[cell] = i
	}
	am := &activityMatrix{Cells: cells, Regulons: regulons}
	if len(cells) > 0 && len(regulons) > 0 {
		am.Values = mat.NewDense(len(cells), len(regulons), nil)
	}
	found := make([]bool, len(cells))
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, csvError(fnm, err)
		}
		if len(rec) != len(header) {
			return nil, formatErrorf(fnm, "line %d: %d fields, header has %d", line, len(rec), len(header))
		}
		i, ok := row[rec[0]]
		if !ok {
			return nil, formatErrorf(fnm, "line %d: cell %q is not in the expression matrix", line, rec[0])
		}
		if found[i] {
			return nil, formatErrorf(fnm, "line %d: duplicate cell %q", line, rec[0])
		}
		found[i] = true
		for j, s := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, formatErrorf(fnm, "line %d, column %s: %s", line, names[j], err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, formatErrorf(fnm, "line %d, column %s: invalid value %q", line, names[j], s)
			}
			am.Values.Set(i, j, v)
		}
	}
	missing := 0
	for _, ok := range found {
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		log.Warnf("%s: %d of %d cells have no activity scores, using zero", fnm, missing, len(cells))
	}
	log.WithFields(log.Fields{
		"cells":    len(cells) - missing,
		"regulons": len(regulons),
	}).Infof("%s: loaded activity matrix", fnm)
	return am, nil
}
