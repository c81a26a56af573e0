// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type signaturesSuite struct{}

var _ = check.Suite(&signaturesSuite{})

func writeFiles(c *check.C, dir string, files map[string]string) {
	for name, content := range files {
		data := []byte(content)
		if len(name) > 3 && name[len(name)-3:] == ".gz" {
			var buf bytes.Buffer
			zw := pgzip.NewWriter(&buf)
			_, err := zw.Write(data)
			c.Assert(err, check.IsNil)
			c.Assert(zw.Close(), check.IsNil)
			data = buf.Bytes()
		}
		err := ioutil.WriteFile(dir+"/"+name, data, 0644)
		c.Assert(err, check.IsNil)
	}
}

func (s *signaturesSuite) TestOccurrenceThreshold(c *check.C) {
	dir := c.MkDir()
	for run := 0; run < 10; run++ {
		content := "regulon\tgene\tweight\n"
		if run < 6 {
			content += fmt.Sprintf("TF1(+)\tG1\t%d\n", run)
		}
		if run < 3 {
			content += "TF1(+)\tG2\t1.5\n"
		}
		content += "TF1(+)\tG3\t0.1\n"
		writeFiles(c, dir, map[string]string{fmt.Sprintf("run%02d.tsv", run): content})
	}
	sigs, err := readSignatureDir(dir, regulonFilter{MinGenes: 1, MinOccurrence: 5})
	c.Assert(err, check.IsNil)
	c.Assert(sigs, check.HasLen, 1)
	sig := sigs["TF1(+)"]
	c.Check(sig.Genes(), check.DeepEquals, []string{"G1", "G3"})
	c.Check(sig.Occurrence, check.DeepEquals, map[string]int{"G1": 6, "G3": 10})
	c.Check(sig.Weights["G1"], check.Equals, 5.0)
}

func (s *signaturesSuite) TestMinGenes(c *check.C) {
	dir := c.MkDir()
	writeFiles(c, dir, map[string]string{
		"a.tsv": "TF1(+)\tG1\t1\nTF1(+)\tG2\t1\nTF2(-)\tG3\t1\nTF2(-)\tG4\t1\n",
		"b.tsv": "TF1(+)\tG1\t1\nTF2(-)\tG3\t1\nTF2(-)\tG4\t1\n",
	})
	sigs, err := readSignatureDir(dir, regulonFilter{MinGenes: 2, MinOccurrence: 2})
	c.Assert(err, check.IsNil)
	c.Check(sigs, check.HasLen, 1)
	_, ok := sigs["TF1(+)"]
	c.Check(ok, check.Equals, false)
	c.Check(sigs["TF2(-)"].Genes(), check.DeepEquals, []string{"G3", "G4"})
}

func (s *signaturesSuite) TestCountOncePerRunMaxWeight(c *check.C) {
	dir := c.MkDir()
	writeFiles(c, dir, map[string]string{
		"run1.tsv":    "TF1(+)\tG1\t0.5\nTF1(+)\tG1\t2.5\n",
		"run2.csv":    "regulon,gene,weight\nTF1(+),G1,1.0\n",
		"run3.tsv.gz": "TF1(+)\tG1\t0.1\n",
		".hidden.tsv": "TF1(+)\tG1\t99\n",
		"notes.md":    "not a signature file\n",
	})
	sigs, err := readSignatureDir(dir, regulonFilter{MinGenes: 1, MinOccurrence: 1})
	c.Assert(err, check.IsNil)
	c.Check(sigs["TF1(+)"].Occurrence["G1"], check.Equals, 3)
	c.Check(sigs["TF1(+)"].Weights["G1"], check.Equals, 2.5)
}

func (s *signaturesSuite) TestOrderIndependent(c *check.C) {
	a := &runSignatures{fnm: "a", layout: layoutTriples, genes: map[string]map[string]float64{"TF1(+)": {"G1": 1, "G2": 3}}}
	b := &runSignatures{fnm: "b", layout: layoutTriples, genes: map[string]map[string]float64{"TF1(+)": {"G1": 2}}}
	filter := regulonFilter{MinGenes: 1, MinOccurrence: 1}
	ab, err := aggregateSignatures([]*runSignatures{a, b}, filter)
	c.Assert(err, check.IsNil)
	ba, err := aggregateSignatures([]*runSignatures{b, a}, filter)
	c.Assert(err, check.IsNil)
	c.Check(ab, check.DeepEquals, ba)
	c.Check(ab["TF1(+)"].Weights, check.DeepEquals, map[string]float64{"G1": 2, "G2": 3})
}

func (s *signaturesSuite) TestPerRegulonOccurrenceFiles(c *check.C) {
	dir := c.MkDir()
	writeFiles(c, dir, map[string]string{
		"TF1(+).tsv": "gene\toccurrence\nG1\t7\nG2\t3\nG3\t5\n",
		"TF2(-).tsv": "G4\t9\n",
	})
	sigs, err := readSignatureDir(dir, regulonFilter{MinGenes: 2, MinOccurrence: 5})
	c.Assert(err, check.IsNil)
	c.Check(sigs, check.HasLen, 1)
	c.Check(sigs["TF1(+)"].Occurrence, check.DeepEquals, map[string]int{"G1": 7, "G3": 5})
}

func (s *signaturesSuite) TestErrors(c *check.C) {
	for _, trial := range []struct {
		files map[string]string
		errRe string
	}{
		{map[string]string{"a.tsv": "TF1(+)\tG1\t1\n", "b.tsv": "G1\t5\n"}, `.*/b.tsv: 2-column signature file mixed with 3-column files`},
		{map[string]string{"a.tsv": "TF1(+)\tG1\t1\nTF1(+)\tG2\n"}, `.*/a.tsv: line 2: 2 fields, previous lines have 3`},
		{map[string]string{"a.tsv": "TF1(+)\tG1\t1\nTF1(+)\tG2\tx\n"}, `.*/a.tsv: line 2: .*invalid syntax`},
		{map[string]string{"a.tsv": "TF1(+)\tG1\t-1\n"}, `.*/a.tsv: line 1: invalid value -1`},
		{map[string]string{"a.tsv": "TF1(+)\n"}, `.*/a.tsv: line 1: 1 fields, expecting .*`},
		{map[string]string{"readme.md": "x"}, `.*: no signature files .* found`},
	} {
		dir := c.MkDir()
		writeFiles(c, dir, trial.files)
		_, err := readSignatureDir(dir, regulonFilter{MinGenes: 1, MinOccurrence: 1})
		c.Check(err, check.ErrorMatches, trial.errRe)
		var ferr *FormatError
		c.Check(errors.As(err, &ferr), check.Equals, true)
	}

	_, err := readSignatureDir(c.MkDir()+"/missing", regulonFilter{})
	var ioerr *IOError
	c.Check(errors.As(err, &ioerr), check.Equals, true)
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)
}
