// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"errors"

	"gopkg.in/check.v1"
	"gonum.org/v1/gonum/mat"
)

type aucSuite struct{}

var _ = check.Suite(&aucSuite{})

func (s *aucSuite) TestReorderAndRename(c *check.C) {
	dir := c.MkDir()
	writeFiles(c, dir, map[string]string{
		"auc.tsv": "Cell\tTF1(+)\tTF2(-)\n" +
			"c3\t0.3\t0.03\n" +
			"c1\t0.1\t0.01\n",
	})
	am, err := readActivityMatrix(dir+"/auc.tsv", []string{"c1", "c2", "c3"})
	c.Assert(err, check.IsNil)
	c.Check(am.Regulons, check.DeepEquals, []string{"TF1_(+)", "TF2_(-)"})
	c.Check(mat.Equal(am.Values, mat.NewDense(3, 2, []float64{
		0.1, 0.01,
		0, 0,
		0.3, 0.03,
	})), check.Equals, true)
}

func (s *aucSuite) TestErrors(c *check.C) {
	for _, trial := range []struct {
		content string
		errRe   string
	}{
		{"Cell\tTF1(+)\nc9\t0.1\n", `.*/auc.tsv: line 2: cell "c9" is not in the expression matrix`},
		{"Cell\tTF1(+)\nc1\t0.1\nc1\t0.2\n", `.*/auc.tsv: line 3: duplicate cell "c1"`},
		{"Cell\tTF1(+)\tTF1_(+)\nc1\t0.1\t0.2\n", `.*/auc.tsv: "TF1\(\+\)" and "TF1_\(\+\)" both rename to "TF1_\(\+\)"`},
		{"Cell\tTF1(+)\nc1\tNaN\n", `.*/auc.tsv: line 2, column TF1\(\+\): invalid value "NaN"`},
		{"Cell\tTF1(+)\nc1\n", `.*/auc.tsv: line 2: 1 fields, header has 2`},
	} {
		dir := c.MkDir()
		writeFiles(c, dir, map[string]string{"auc.tsv": trial.content})
		_, err := readActivityMatrix(dir+"/auc.tsv", []string{"c1", "c2"})
		c.Check(err, check.ErrorMatches, trial.errRe)
		var ferr *FormatError
		c.Check(errors.As(err, &ferr), check.Equals, true)
	}
}
