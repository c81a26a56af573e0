// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Signature is a regulon's target genes aggregated across runs.
type Signature struct {
	Name       string
	Weights    map[string]float64 // highest weight seen in any run; empty for occurrence files
	Occurrence map[string]int     // number of runs listing the gene
}

func (s Signature) Len() int { return len(s.Occurrence) }

// Genes returns the genes in sorted order.
func (s Signature) Genes() []string {
	genes := make([]string, 0, len(s.Occurrence))
	for g := range s.Occurrence {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	return genes
}

const (
	layoutTriples    = 3 // regulon, gene, weight; one file per run
	layoutOccurrence = 2 // gene, occurrence; one file per regulon
)

var signatureFilenameRe = regexp.MustCompile(`\.(tsv|csv|txt)(\.gz)?$`)

// runSignatures holds what one signature file contributes.
type runSignatures struct {
	fnm    string
	layout int
	// regulon -> gene -> weight (triples) or occurrence count
	genes map[string]map[string]float64
}

// readSignatureDir reads every signature file in dir and returns the
// aggregated signatures that pass filter.
func readSignatureDir(dir string, filter regulonFilter) (map[string]Signature, error) {
	files, err := listSignatureFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, formatErrorf(dir, "no signature files (*.tsv, *.csv, *.txt) found")
	}
	runs := make([]*runSignatures, len(files))
	th := throttle{Max: runtime.NumCPU()}
	for i, fnm := range files {
		i, fnm := i, fnm
		th.Go(func() error {
			run, err := readSignatureFile(fnm)
			runs[i] = run
			return err
		})
	}
	err = th.Wait()
	if err != nil {
		return nil, err
	}
	sigs, err := aggregateSignatures(runs, filter)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"files":      len(files),
		"signatures": len(sigs),
	}).Infof("%s: aggregated signatures", dir)
	return sigs, nil
}

func listSignatureFiles(dir string) ([]string, error) {
	d, err := open(dir)
	if err != nil {
		return nil, &IOError{Op: "open", Path: dir, Err: err}
	}
	defer d.Close()
	fis, err := d.Readdir(-1)
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: dir, Err: err}
	}
	var files []string
	for _, fi := range fis {
		name := fi.Name()
		if fi.IsDir() || strings.HasPrefix(name, ".") || !signatureFilenameRe.MatchString(name) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func readSignatureFile(fnm string) (*runSignatures, error) {
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
	rdr.LazyQuotes = true
	rdr.ReuseRecord = true

	run := &runSignatures{fnm: fnm, genes: map[string]map[string]float64{}}
	for line := 1; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, csvError(fnm, err)
		}
		if run.layout == 0 {
			run.layout = len(rec)
			if run.layout != layoutTriples && run.layout != layoutOccurrence {
				return nil, formatErrorf(fnm, "line %d: %d fields, expecting (regulon, gene, weight) or (gene, occurrence)", line, len(rec))
			}
		} else if len(rec) != run.layout {
			return nil, formatErrorf(fnm, "line %d: %d fields, previous lines have %d", line, len(rec), run.layout)
		}
		regulon, gene := trimExt(fnm), rec[0]
		if run.layout == layoutTriples {
			regulon, gene = rec[0], rec[1]
		}
		regulon, gene = strings.TrimSpace(regulon), strings.TrimSpace(gene)
		val, err := strconv.ParseFloat(strings.TrimSpace(rec[len(rec)-1]), 64)
		if err != nil && line == 1 {
			// header
			continue
		} else if err != nil {
			return nil, formatErrorf(fnm, "line %d: %s", line, err)
		}
		if val < 0 || math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, formatErrorf(fnm, "line %d: invalid value %v", line, val)
		}
		if run.layout == layoutOccurrence && val != math.Trunc(val) {
			return nil, formatErrorf(fnm, "line %d: occurrence %v is not an integer", line, val)
		}
		if regulon == "" || gene == "" {
			return nil, formatErrorf(fnm, "line %d: empty regulon or gene name", line)
		}
		genes := run.genes[regulon]
		if genes == nil {
			genes = map[string]float64{}
			run.genes[regulon] = genes
		}
		if prev, ok := genes[gene]; ok && run.layout == layoutOccurrence {
			genes[gene] = prev + val
		} else if !ok || val > prev {
			genes[gene] = val
		}
	}
	return run, nil
}

// aggregateSignatures merges per-file results in the given order and
// applies filter. A gene counts once per triples file regardless of
// how many times the file lists it.
func aggregateSignatures(runs []*runSignatures, filter regulonFilter) (map[string]Signature, error) {
	layout := 0
	totals := map[string]Signature{}
	for _, run := range runs {
		if run.layout == 0 {
			continue
		}
		if layout == 0 {
			layout = run.layout
		} else if run.layout != layout {
			return nil, formatErrorf(run.fnm, "%d-column signature file mixed with %d-column files", run.layout, layout)
		}
		for name, genes := range run.genes {
			sig, ok := totals[name]
			if !ok {
				sig = Signature{Name: name, Weights: map[string]float64{}, Occurrence: map[string]int{}}
				totals[name] = sig
			}
			for gene, val := range genes {
				if layout == layoutOccurrence {
					sig.Occurrence[gene] += int(val)
					continue
				}
				sig.Occurrence[gene]++
				if w, ok := sig.Weights[gene]; !ok || val > w {
					sig.Weights[gene] = val
				}
			}
		}
	}
	for name, sig := range totals {
		for gene, n := range sig.Occurrence {
			if n < filter.MinOccurrence {
				delete(sig.Occurrence, gene)
				delete(sig.Weights, gene)
			}
		}
		if sig.Len() < filter.MinGenes || sig.Len() == 0 {
			log.Debugf("dropping signature %s: %d genes after occurrence filter", name, sig.Len())
			delete(totals, name)
		}
	}
	return totals, nil
}

func describeSignatures(sigs map[string]Signature) string {
	names := make([]string, 0, len(sigs))
	for name, sig := range sigs {
		names = append(names, fmt.Sprintf("%s(%d)", name, sig.Len()))
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}
