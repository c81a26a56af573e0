// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"errors"

	"gopkg.in/check.v1"
)

type consensusSuite struct{}

var _ = check.Suite(&consensusSuite{})

var testFilter = regulonFilter{MinGenes: 1, MinOccurrence: 1}

func testRegulons(c *check.C) []Regulon {
	var regulons []Regulon
	for _, r := range []struct {
		tf      string
		sign    Sign
		targets map[string]float64
	}{
		{"TF1", Activating, map[string]float64{"G1": 2.5, "G2": 0.5, "G3": 2, "G4": 1}},
		{"TF2", Repressing, map[string]float64{"G5": 0.7, "G6": 0.3}},
		{"TF3", Activating, map[string]float64{"G2": 1}},
	} {
		reg, err := NewRegulon(r.tf, r.sign, r.targets, RegulonMetadata{NES: 3})
		c.Assert(err, check.IsNil)
		regulons = append(regulons, reg)
	}
	return regulons
}

func (s *consensusSuite) TestMerge(c *check.C) {
	sigs := map[string]Signature{
		"TF1(+)": {
			Name:       "TF1(+)",
			Weights:    map[string]float64{"G1": 1.2, "G2": 0.4, "G7": 9},
			Occurrence: map[string]int{"G1": 3, "G2": 2, "G7": 2},
		},
		"TF2(-)": {
			Name:       "TF2(-)",
			Weights:    map[string]float64{"G5": 0.9, "G6": 0.2},
			Occurrence: map[string]int{"G5": 2, "G6": 2},
		},
		"TF9(+)": {
			Name:       "TF9(+)",
			Weights:    map[string]float64{"G1": 1},
			Occurrence: map[string]int{"G1": 5},
		},
	}
	regulons := testRegulons(c)
	consensus, err := mergeConsensus(regulons, sigs, testFilter)
	c.Assert(err, check.IsNil)
	c.Assert(consensus, check.HasLen, 2)

	tf1 := consensus[0]
	c.Check(tf1.Name(), check.Equals, "TF1_(+)")
	c.Check(tf1.TF(), check.Equals, "TF1")
	c.Check(tf1.Targets(), check.DeepEquals, map[string]float64{"G1": 2.5, "G2": 0.5, "G7": 9})
	c.Check(tf1.Occurrence("G1"), check.Equals, 3)
	c.Check(tf1.Occurrence("G7"), check.Equals, 2)
	c.Check(consensus[1].Name(), check.Equals, "TF2_(-)")

	// inputs are unchanged
	c.Check(regulons[0].Name(), check.Equals, "TF1(+)")
	c.Check(regulons[0].Len(), check.Equals, 4)
	c.Check(regulons[0].HasOccurrence(), check.Equals, false)

	for _, r := range consensus {
		for _, g := range r.Genes() {
			c.Check(r.Occurrence(g) >= 2, check.Equals, true)
		}
	}
}

func (s *consensusSuite) TestMergeDisplayNamedSignatures(c *check.C) {
	sigs := map[string]Signature{
		"TF2_(-)": {Name: "TF2_(-)", Weights: map[string]float64{"G5": 1}, Occurrence: map[string]int{"G5": 4}},
	}
	consensus, err := mergeConsensus(testRegulons(c), sigs, testFilter)
	c.Assert(err, check.IsNil)
	c.Assert(consensus, check.HasLen, 1)
	c.Check(consensus[0].Name(), check.Equals, "TF2_(-)")
}

func (s *consensusSuite) TestEmpty(c *check.C) {
	sigs := map[string]Signature{
		"TF9(+)": {Name: "TF9(+)", Weights: map[string]float64{"G1": 1}, Occurrence: map[string]int{"G1": 5}},
	}
	consensus, err := mergeConsensus(testRegulons(c), sigs, testFilter)
	c.Check(consensus, check.HasLen, 0)
	var empty *EmptyResultError
	c.Assert(errors.As(err, &empty), check.Equals, true)
	c.Check(empty.Regulons, check.Equals, 3)
	c.Check(empty.Signatures, check.Equals, 1)
	c.Check(err, check.ErrorMatches, `empty consensus \(3 regulons, 1 signatures\): no regulon name matched a signature name`)

	_, err = mergeConsensus(nil, nil, testFilter)
	c.Check(err, check.ErrorMatches, `empty consensus .*: no regulons in enrichment input, no signatures passed the filters`)
}

func (s *consensusSuite) TestCollision(c *check.C) {
	sigs := map[string]Signature{
		"TF1(+)":  {Name: "TF1(+)", Occurrence: map[string]int{"G1": 5}},
		"TF1_(+)": {Name: "TF1_(+)", Occurrence: map[string]int{"G1": 5}},
	}
	_, err := mergeConsensus(testRegulons(c), sigs, testFilter)
	var ferr *FormatError
	c.Check(errors.As(err, &ferr), check.Equals, true)
}

func (s *consensusSuite) TestOccurrenceOnlySignatures(c *check.C) {
	dir := c.MkDir()
	writeFiles(c, dir, map[string]string{
		"TF1(+).tsv": "G1\t7\nG2\t9\n",
		"TF2(-).tsv": "G5\t6\nG8\t6\n",
	})
	filter := regulonFilter{MinGenes: 1, MinOccurrence: 5}
	sigs, err := readSignatureDir(dir, filter)
	c.Assert(err, check.IsNil)
	c.Check(sigs["TF1(+)"].Weights, check.HasLen, 0)
	c.Check(sigs["TF1(+)"].Occurrence, check.DeepEquals, map[string]int{"G1": 7, "G2": 9})

	tf1, err := NewRegulon("TF1", Activating, map[string]float64{"G1": 0.25}, RegulonMetadata{})
	c.Assert(err, check.IsNil)
	tf2, err := NewRegulon("TF2", Repressing, map[string]float64{"G5": 0.7, "G6": 0.3}, RegulonMetadata{})
	c.Assert(err, check.IsNil)

	consensus, err := mergeConsensus([]Regulon{tf1, tf2}, sigs, filter)
	c.Assert(err, check.IsNil)
	c.Assert(consensus, check.HasLen, 2)
	// counts never end up as weights
	c.Check(consensus[0].Targets(), check.DeepEquals, map[string]float64{"G1": 0.25})
	c.Check(consensus[0].Occurrence("G1"), check.Equals, 7)
	c.Check(consensus[0].Occurrence("G2"), check.Equals, 0)
	c.Check(consensus[1].Targets(), check.DeepEquals, map[string]float64{"G5": 0.7})

	// each regulon keeps one weighted target, short of MinGenes=2
	filter.MinGenes = 2
	consensus, err = mergeConsensus([]Regulon{tf1, tf2}, sigs, filter)
	c.Check(consensus, check.HasLen, 0)
	var empty *EmptyResultError
	c.Check(errors.As(err, &empty), check.Equals, true)
}
