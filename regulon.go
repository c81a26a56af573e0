// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

type Sign int8

const (
	Activating Sign = iota
	Repressing
)

func (s Sign) String() string {
	if s == Repressing {
		return "-"
	}
	return "+"
}

// parseSign accepts "+", "-", "activating", and "repressing".
func parseSign(s string) (Sign, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "activating":
		return Activating, nil
	case "-", "repressing":
		return Repressing, nil
	default:
		return Activating, fmt.Errorf("unrecognized sign %q", s)
	}
}

// RegulonMetadata holds the motif enrichment values of the row a
// regulon was built from.
type RegulonMetadata struct {
	MotifID               string
	NES                   float64
	OrthologousIdentity   float64
	MotifSimilarityQvalue float64
	Annotation            string
	Context               string
}

// Regulon is a transcription factor with a sign and a weighted set of
// target genes. Values are immutable: the With* methods return
// modified copies.
type Regulon struct {
	name       string
	tf         string
	sign       Sign
	targets    map[string]float64
	meta       RegulonMetadata
	occurrence map[string]int
}

// canonicalName returns "TF(+)" or "TF(-)".
func canonicalName(tf string, sign Sign) string {
	return tf + "(" + sign.String() + ")"
}

// scopeName inserts an underscore before a trailing "(+)" or "(-)"
// marker. Names that already have the underscore, and names without
// a marker, are returned unchanged.
func scopeName(name string) string {
	for _, marker := range []string{"(+)", "(-)"} {
		if !strings.HasSuffix(name, marker) {
			continue
		}
		base := strings.TrimSuffix(name, marker)
		if strings.HasSuffix(base, "_") {
			return name
		}
		return base + "_" + marker
	}
	return name
}

// scopeNames renames every name with scopeName, returning an error if
// two distinct names end up the same.
func scopeNames(names []string) ([]string, error) {
	renamed := make([]string, len(names))
	from := make(map[string]string, len(names))
	for i, name := range names {
		renamed[i] = scopeName(name)
		if prev, ok := from[renamed[i]]; ok {
			return nil, fmt.Errorf("%q and %q both rename to %q", prev, name, renamed[i])
		}
		from[renamed[i]] = name
	}
	return renamed, nil
}

func NewRegulon(tf string, sign Sign, targets map[string]float64, meta RegulonMetadata) (Regulon, error) {
	if tf == "" {
		return Regulon{}, errors.New("empty transcription factor name")
	}
	r := Regulon{
		name: canonicalName(tf, sign),
		tf:   tf,
		sign: sign,
		meta: meta,
	}
	return r.WithTargets(targets)
}

func (r Regulon) Name() string              { return r.name }
func (r Regulon) TF() string                { return r.tf }
func (r Regulon) Sign() Sign                { return r.sign }
func (r Regulon) Metadata() RegulonMetadata { return r.meta }
func (r Regulon) Len() int                  { return len(r.targets) }

// Genes returns the target genes in sorted order.
func (r Regulon) Genes() []string {
	genes := make([]string, 0, len(r.targets))
	for g := range r.targets {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	return genes
}

func (r Regulon) Weight(gene string) (float64, bool) {
	w, ok := r.targets[gene]
	return w, ok
}

// Targets returns a copy of the gene -> weight map.
func (r Regulon) Targets() map[string]float64 {
	return copyWeights(r.targets)
}

// HasOccurrence reports whether cross-run occurrence counts have been
// attached.
func (r Regulon) HasOccurrence() bool { return r.occurrence != nil }

// Occurrence returns the number of runs in which gene was a target.
func (r Regulon) Occurrence(gene string) int { return r.occurrence[gene] }

func (r Regulon) WithName(name string) Regulon {
	r.name = name
	return r
}

func (r Regulon) WithTargets(targets map[string]float64) (Regulon, error) {
	for gene, w := range targets {
		if gene == "" {
			return Regulon{}, fmt.Errorf("%s: empty gene name in targets", r.name)
		}
		if w < 0 || math.IsNaN(w) {
			return Regulon{}, fmt.Errorf("%s: invalid weight %v for target %s", r.name, w, gene)
		}
	}
	r.targets = copyWeights(targets)
	return r, nil
}

func (r Regulon) WithGeneOccurrence(occurrence map[string]int) Regulon {
	r.occurrence = make(map[string]int, len(occurrence))
	for g, n := range occurrence {
		r.occurrence[g] = n
	}
	return r
}

func copyWeights(m map[string]float64) map[string]float64 {
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

type regulonGob struct {
	Name       string
	TF         string
	Sign       Sign
	Targets    map[string]float64
	Metadata   RegulonMetadata
	Occurrence map[string]int
	// gob drops empty maps, so an attached but empty occurrence map
	// needs its own flag.
	HasOccurrence bool
}

func (r Regulon) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(regulonGob{
		Name:       r.name,
		TF:         r.tf,
		Sign:       r.sign,
		Targets:    r.targets,
		Metadata:   r.meta,
		Occurrence: r.occurrence,

		HasOccurrence: r.occurrence != nil,
	})
	return buf.Bytes(), err
}

func (r *Regulon) GobDecode(data []byte) error {
	var rg regulonGob
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rg)
	if err != nil {
		return err
	}
	if rg.Targets == nil {
		rg.Targets = map[string]float64{}
	}
	if rg.HasOccurrence && rg.Occurrence == nil {
		rg.Occurrence = map[string]int{}
	} else if !rg.HasOccurrence {
		rg.Occurrence = nil
	}
	*r = Regulon{
		name:       rg.Name,
		tf:         rg.TF,
		sign:       rg.Sign,
		targets:    rg.Targets,
		meta:       rg.Metadata,
		occurrence: rg.Occurrence,
	}
	return nil
}

func sortRegulons(regulons []Regulon) {
	sort.Slice(regulons, func(i, j int) bool {
		return regulons[i].name < regulons[j].name
	})
}
