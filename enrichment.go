// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Enrichment table column names.
const (
	colTF                    = "TF"
	colMotifID               = "MotifID"
	colTargetGenes           = "TargetGenes"
	colNES                   = "NES"
	colOrthologousIdentity   = "OrthologousIdentity"
	colMotifSimilarityQvalue = "MotifSimilarityQvalue"
	colAnnotation            = "Annotation"
	colContext               = "Context"
	colSign                  = "Sign"
)

var requiredEnrichmentColumns = []string{
	colTF,
	colTargetGenes,
	colNES,
	colOrthologousIdentity,
	colMotifSimilarityQvalue,
	colAnnotation,
}

type GeneWeight struct {
	Gene   string
	Weight float64
}

// EnrichmentRecord is one row of a motif enrichment table.
type EnrichmentRecord struct {
	TF       string
	Sign     Sign
	Targets  []GeneWeight
	Metadata RegulonMetadata
}

// regulonInput is the result of reading an enrichment source: either
// raw enrichment records, or regulons that were already aggregated
// (in which case Filter records the thresholds used).
type regulonInput struct {
	Path     string
	Records  []EnrichmentRecord
	Regulons []Regulon
	Filter   *regulonFilter
}

func (in *regulonInput) aggregated() bool {
	return in.Regulons != nil
}

// readEnrichmentTable reads a motif enrichment table (.csv or .tsv,
// optionally gzipped) or a regulon library (.gob, optionally
// gzipped).
func readEnrichmentTable(fnm string) (*regulonInput, error) {
	switch ext := formatExt(fnm); ext {
	case ".csv":
		return readEnrichmentCSV(fnm, ',')
	case ".tsv":
		return readEnrichmentCSV(fnm, '\t')
	case ".gob":
		return readRegulonLibrary(fnm)
	default:
		return nil, formatErrorf(fnm, "unsupported enrichment table format %q (expecting .csv, .tsv, or .gob)", ext)
	}
}

func readEnrichmentCSV(fnm string, comma rune) (*regulonInput, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(f)
	rdr.Comma = comma
	rdr.FieldsPerRecord = -1
	rdr.LazyQuotes = true
	records, err := parseEnrichment(fnm, rdr)
	if err != nil {
		return nil, err
	}
	log.Infof("%s: read %d enrichment records", fnm, len(records))
	return &regulonInput{Path: fnm, Records: records}, nil
}

// readHeader consumes the header rows and returns the column names.
// Rows whose first cell is empty are upper header levels; the first
// row with a non-empty first cell is either the last header row, or
// (after upper levels) the row naming the index columns. Each column
// is named by its last non-empty header cell.
func readHeader(fnm string, rdr *csv.Reader) ([]string, []string, error) {
	var rows [][]string
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			return nil, nil, formatErrorf(fnm, "no header row")
		} else if err != nil {
			return nil, nil, csvError(fnm, err)
		}
		rows = append(rows, rec)
		if len(rec) > 0 && rec[0] != "" {
			break
		}
	}
	var firstData []string
	if len(rows) > 1 {
		// The last row read names the index columns only if every
		// cell under a named upper-level column is empty. Otherwise
		// it is already data.
		last, upper := rows[len(rows)-1], rows[len(rows)-2]
		for i := range last {
			if last[i] != "" && i < len(upper) && upper[i] != "" {
				firstData = last
				rows = rows[:len(rows)-1]
				break
			}
		}
	}
	ncols := 0
	for _, row := range rows {
		if len(row) > ncols {
			ncols = len(row)
		}
	}
	names := make([]string, ncols)
	for _, row := range rows {
		for i, cell := range row {
			if cell = strings.TrimSpace(cell); cell != "" {
				names[i] = cell
			}
		}
	}
	return names, firstData, nil
}

func parseEnrichment(fnm string, rdr *csv.Reader) ([]EnrichmentRecord, error) {
	names, firstData, err := readHeader(fnm, rdr)
	if err != nil {
		return nil, err
	}
	col := map[string]int{}
	for i, name := range names {
		if _, dup := col[name]; !dup && name != "" {
			col[name] = i
		}
	}
	var missing []string
	for _, name := range requiredEnrichmentColumns {
		if _, ok := col[name]; !ok {
			missing = append(missing, name)
		}
	}
	_, haveContext := col[colContext]
	_, haveSign := col[colSign]
	if !haveContext && !haveSign {
		missing = append(missing, colContext+" or "+colSign)
	}
	if len(missing) > 0 {
		return nil, formatErrorf(fnm, "missing required columns: %s", strings.Join(missing, ", "))
	}

	var records []EnrichmentRecord
	line := 0
	for {
		rec := firstData
		firstData = nil
		if rec == nil {
			rec, err = rdr.Read()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, csvError(fnm, err)
			}
		}
		line++
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		r := EnrichmentRecord{TF: get(colTF)}
		if r.TF == "" {
			return nil, formatErrorf(fnm, "record %d: empty %s", line, colTF)
		}
		if haveSign && get(colSign) != "" {
			r.Sign, err = parseSign(get(colSign))
			if err != nil {
				return nil, formatErrorf(fnm, "record %d: %s", line, err)
			}
		} else if strings.Contains(get(colContext), "repressing") {
			r.Sign = Repressing
		}
		r.Targets, err = parseTargetGenes(get(colTargetGenes))
		if err != nil {
			return nil, formatErrorf(fnm, "record %d: %s: %s", line, colTargetGenes, err)
		}
		r.Metadata = RegulonMetadata{
			MotifID:    get(colMotifID),
			Annotation: get(colAnnotation),
			Context:    get(colContext),
		}
		for _, fld := range []struct {
			name string
			dst  *float64
		}{
			{colNES, &r.Metadata.NES},
			{colOrthologousIdentity, &r.Metadata.OrthologousIdentity},
			{colMotifSimilarityQvalue, &r.Metadata.MotifSimilarityQvalue},
		} {
			*fld.dst, err = parseFloatField(get(fld.name))
			if err != nil {
				return nil, formatErrorf(fnm, "record %d: %s: %s", line, fld.name, err)
			}
		}
		records = append(records, r)
	}
	return records, nil
}

// parseFloatField parses a numeric column value. Empty cells are NaN.
func parseFloatField(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

var targetGeneRe = regexp.MustCompile(`\(\s*(?:'([^']*)'|"([^"]*)")\s*,\s*([^,()\s]+)\s*\)`)

// parseTargetGenes parses a list of (gene, weight) pairs, e.g.,
// "[('G1', 1.5), ('G2', 0.25)]".
func parseTargetGenes(s string) ([]GeneWeight, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return nil, nil
	}
	matches := targetGeneRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("cannot parse %q as a list of (gene, weight) pairs", s)
	}
	targets := make([]GeneWeight, 0, len(matches))
	for _, m := range matches {
		gene := m[1] + m[2]
		w, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil, fmt.Errorf("gene %s: %s", gene, err)
		}
		if gene == "" || w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("invalid pair (%q, %v)", gene, w)
		}
		targets = append(targets, GeneWeight{Gene: gene, Weight: w})
	}
	return targets, nil
}

type regulonKey struct {
	tf   string
	sign Sign
}

// enrichmentToRegulons groups records by (TF, sign) and returns one
// regulon per group, sorted by name. Target sets are unioned, keeping
// the highest weight seen for each gene; metadata is taken from the
// first record of each group.
func enrichmentToRegulons(records []EnrichmentRecord) ([]Regulon, error) {
	var order []regulonKey
	targets := map[regulonKey]map[string]float64{}
	meta := map[regulonKey]RegulonMetadata{}
	for _, rec := range records {
		key := regulonKey{rec.TF, rec.Sign}
		tgt, ok := targets[key]
		if !ok {
			tgt = map[string]float64{}
			targets[key] = tgt
			meta[key] = rec.Metadata
			order = append(order, key)
		}
		for _, gw := range rec.Targets {
			if w, ok := tgt[gw.Gene]; !ok || gw.Weight > w {
				tgt[gw.Gene] = gw.Weight
			}
		}
	}
	regulons := make([]Regulon, 0, len(order))
	for _, key := range order {
		r, err := NewRegulon(key.tf, key.sign, targets[key], meta[key])
		if err != nil {
			return nil, &FormatError{Err: err}
		}
		regulons = append(regulons, r)
	}
	sortRegulons(regulons)
	return regulons, nil
}
