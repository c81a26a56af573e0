// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bytes"
	"errors"
	"os"
	"strings"

	"github.com/arvados/scopeloom/loomz"
	"gopkg.in/check.v1"
)

type exportLoomSuite struct{}

var _ = check.Suite(&exportLoomSuite{})

const testExpressionCSV = `,G1,G2,G3,G4,G5,G6
c1,1,0,2,0,5,0
c2,0,3,0,0,1,1
c3,4,4,0,1,0,0
c4,0,0,0,0,0,2.5
`

const testAUCTSV = "Cell\tTF1(+)\tTF2(-)\tTF3(+)\n" +
	"c4\t0.4\t0.04\t0.9\n" +
	"c2\t0.2\t0.02\t0.1\n" +
	"c1\t0.1\t0.01\t0.2\n" +
	"c3\t0.3\t0.03\t0\n"

// setupExport writes an expression matrix, the motif enrichment
// table, an activity matrix, and three runs of signatures to a new
// directory. With -min-genes-regulon=2 -min-regulon-gene-occurrence=2,
// TF1(+) keeps G1 and G2, TF2(-) keeps G5 and G6, and TF3(+) is
// dropped.
func setupExport(c *check.C) string {
	dir := c.MkDir()
	c.Assert(os.Mkdir(dir+"/sigs", 0755), check.IsNil)
	writeFiles(c, dir, map[string]string{
		"expr.csv":      testExpressionCSV,
		"motifs.csv":    testEnrichmentCSV,
		"auc.tsv":       testAUCTSV,
		"sigs/run1.tsv": "TF1(+)\tG1\t1.0\nTF1(+)\tG2\t0.4\nTF2(-)\tG5\t0.5\nTF2(-)\tG6\t0.2\nTF3(+)\tG2\t1\n",
		"sigs/run2.tsv": "TF1(+)\tG1\t1.2\nTF1(+)\tG3\t0.1\nTF2(-)\tG5\t0.9\nTF2(-)\tG6\t0.1\n",
		"sigs/run3.tsv": "TF1(+)\tG1\t0.8\nTF1(+)\tG2\t0.3\nTF1(+)\tG4\t3.0\n",
	})
	return dir
}

var testFilterArgs = []string{"-min-genes-regulon=2", "-min-regulon-gene-occurrence=2"}

func runExport(c *check.C, args ...string) (int, string) {
	var stdout, stderr bytes.Buffer
	code := (&exportLoomCmd{}).RunCommand("scopeloom export-loom", append([]string{"-local=true"}, args...), nil, &stdout, &stderr)
	c.Logf("stderr: %s", stderr.String())
	return code, stderr.String()
}

// checkRegulonAttrs checks the regulon row attributes produced from
// the setupExport inputs.
func checkRegulonAttrs(c *check.C, ct *loomz.Container) {
	c.Check(ct.RowAttrs[attrGene].Data, check.DeepEquals, []string{"G1", "G2", "G3", "G4", "G5", "G6"})
	reg := ct.RowAttrs[attrRegulons]
	c.Assert(reg.Fields, check.DeepEquals, []string{"TF1_(+)", "TF2_(-)"})
	c.Check(reg.Shape, check.DeepEquals, []int{6, 2})
	c.Check(reg.Data, check.DeepEquals, []uint8{
		1, 0, // G1
		1, 0, // G2
		0, 0,
		0, 0,
		0, 1, // G5
		0, 1, // G6
	})
	weights := ct.RowAttrs[attrRegulonGeneWeights]
	c.Check(weights.Float64At(0, 0), check.Equals, 2.5)
	c.Check(weights.Float64At(1, 0), check.Equals, 0.5)
	c.Check(weights.Float64At(2, 0), check.Equals, 0.0)
	c.Check(weights.Float64At(4, 1), check.Equals, float64(float32(0.7)))
	occ := ct.RowAttrs[attrRegulonGeneOccurrences]
	c.Check(occ.Dtype(), check.Equals, loomz.DtypeUint16)
	c.Check(occ.Float64At(0, 0), check.Equals, 3.0)
	c.Check(occ.Float64At(1, 0), check.Equals, 2.0)
	c.Check(occ.Float64At(5, 1), check.Equals, 2.0)
}

func (s *exportLoomSuite) TestExport(c *check.C) {
	dir := setupExport(c)
	code, _ := runExport(c, append([]string{
		"-expression-mtx=" + dir + "/expr.csv",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/sigs",
		"-auc-mtx=" + dir + "/auc.tsv",
		"-nomenclature=hg38",
		"-scope-tree-level-1=Brain",
		"-o=" + dir + "/out.loom",
	}, testFilterArgs...)...)
	c.Assert(code, check.Equals, 0)

	ct, err := loomz.ReadFile(dir + "/out.loom")
	c.Assert(err, check.IsNil)
	c.Check(ct.Matrix.Shape, check.DeepEquals, []int{6, 4})
	// G1 row, in cell order c1..c4
	c.Check(ct.Matrix.Data.([]float32)[:4], check.DeepEquals, []float32{1, 0, 4, 0})
	c.Check(ct.ColAttrs[attrCellID].Data, check.DeepEquals, []string{"c1", "c2", "c3", "c4"})
	c.Check(ct.ColAttrs[attrNUMI].Data, check.DeepEquals, []float32{8, 5, 9, 2.5})
	c.Check(ct.ColAttrs[attrNGene].Data, check.DeepEquals, []uint32{3, 3, 3, 1})
	checkRegulonAttrs(c, ct)

	auc := ct.ColAttrs[attrRegulonsAUC]
	c.Check(auc.Fields, check.DeepEquals, []string{"TF1_(+)", "TF2_(-)", "TF3_(+)"})
	c.Check(auc.Shape, check.DeepEquals, []int{4, 3})
	for i, want := range []float32{0.1, 0.2, 0.3, 0.4} {
		c.Check(auc.Data.([]float32)[i*3], check.Equals, want)
	}
	c.Check(ct.ColAttrs[attrRegulonsBinary].Shape, check.DeepEquals, []int{4, 3})
	emb := ct.ColAttrs[attrEmbedding]
	c.Check(emb.Shape, check.DeepEquals, []int{4, 2})
	c.Check(emb.Fields, check.DeepEquals, []string{"_X", "_Y"})

	c.Check(ct.Attrs["title"], check.Equals, "expr")
	c.Check(ct.Attrs["Genome"], check.Equals, "hg38")
	c.Check(ct.Attrs["SCopeTreeL1"], check.Equals, "Brain")
	c.Check(ct.Attrs["LOOM_SPEC_VERSION"], check.Equals, loomSpecVersion)
	meta, ok := ct.Attrs["MetaData"].(map[string]interface{})
	c.Assert(ok, check.Equals, true)
	settings := meta["regulonSettings"].(map[string]interface{})
	c.Check(settings["minGenesRegulon"], check.Equals, 2.0)
	c.Check(settings["minRegulonGeneOccurrence"], check.Equals, 2.0)
	thresholds := meta["regulonThresholds"].([]interface{})
	c.Assert(thresholds, check.HasLen, 3)
	first := thresholds[0].(map[string]interface{})
	c.Check(first["regulon"], check.Equals, "TF1_(+)")
	c.Check(first["defaultThresholdName"], check.Equals, thresholdName)
	c.Check(first["motifData"].(map[string]interface{})["motifID"], check.Equals, "m1")
	// TF3(+) did not survive the consensus
	c.Check(thresholds[2].(map[string]interface{})["motifData"], check.IsNil)
}

func (s *exportLoomSuite) TestExportWithoutActivity(c *check.C) {
	dir := setupExport(c)
	code, _ := runExport(c, append([]string{
		"-expression-mtx=" + dir + "/expr.csv",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/sigs",
		"-extended-metadata=false",
		"-compress=false",
		"-title=my dataset",
		"-o=" + dir + "/out.loom",
	}, testFilterArgs...)...)
	c.Assert(code, check.Equals, 0)
	ct, err := loomz.ReadFile(dir + "/out.loom")
	c.Assert(err, check.IsNil)
	c.Check(ct.Attrs["title"], check.Equals, "my dataset")
	c.Check(ct.RowAttrs[attrRegulons].Fields, check.DeepEquals, []string{"TF1_(+)", "TF2_(-)"})
	_, ok := ct.RowAttrs[attrRegulonGeneOccurrences]
	c.Check(ok, check.Equals, false)
	_, ok = ct.ColAttrs[attrRegulonsAUC]
	c.Check(ok, check.Equals, false)
	c.Check(ct.ColAttrs[attrEmbedding].Data, check.DeepEquals, make([]float32, 8))
}

func (s *exportLoomSuite) TestEmptyConsensus(c *check.C) {
	dir := setupExport(c)
	c.Assert(os.Mkdir(dir+"/other", 0755), check.IsNil)
	writeFiles(c, dir, map[string]string{
		"other/run1.tsv": "TF9(+)\tG1\t1\nTF9(+)\tG2\t1\n",
	})
	args := []string{
		"-expression-mtx=" + dir + "/expr.csv",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/other",
		"-min-genes-regulon=1",
		"-min-regulon-gene-occurrence=1",
		"-o=" + dir + "/empty.loom",
	}
	code, _ := runExport(c, args...)
	c.Check(code, check.Equals, 0)
	ct, err := loomz.ReadFile(dir + "/empty.loom")
	c.Assert(err, check.IsNil)
	_, ok := ct.RowAttrs[attrRegulons]
	c.Check(ok, check.Equals, false)
	c.Check(ct.Matrix.Shape, check.DeepEquals, []int{6, 4})

	c.Assert(os.Remove(dir+"/empty.loom"), check.IsNil)
	code, stderr := runExport(c, append(args, "-fail-empty")...)
	c.Check(code, check.Equals, 3)
	c.Check(stderr, check.Matches, `(?s).*empty consensus.*`)
	_, err = os.Stat(dir + "/empty.loom")
	c.Check(err, check.IsNil)

	ex := loomExport{
		ExpressionFilename: dir + "/expr.csv",
		EnrichmentFilename: dir + "/motifs.csv",
		SignaturesDir:      dir + "/other",
		OutputFilename:     dir + "/api.loom",
		GeneAttr:           attrGene,
		CellAttr:           attrCellID,
		Filter:             regulonFilter{MinGenes: 1, MinOccurrence: 1},
	}
	err = ex.Run()
	var empty *EmptyResultError
	c.Check(errors.As(err, &empty), check.Equals, true)
	c.Check(empty.Signatures, check.Equals, 1)
}

func (s *exportLoomSuite) TestAggregateThenExport(c *check.C) {
	dir := setupExport(c)
	var stdout, stderr bytes.Buffer
	code := (&aggregateRegulons{}).RunCommand("scopeloom aggregate-regulons", append([]string{
		"-local=true",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/sigs",
		"-o=" + dir + "/regulons.gob.gz",
	}, testFilterArgs...), nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	code, _ = runExport(c,
		"-expression-mtx="+dir+"/expr.csv",
		"-regulons="+dir+"/regulons.gob.gz",
		"-o="+dir+"/out.loom")
	c.Assert(code, check.Equals, 0)
	ct, err := loomz.ReadFile(dir + "/out.loom")
	c.Assert(err, check.IsNil)
	checkRegulonAttrs(c, ct)
	settings := ct.Attrs["MetaData"].(map[string]interface{})["regulonSettings"].(map[string]interface{})
	c.Check(settings["minGenesRegulon"], check.Equals, 2.0)

	stdout.Reset()
	code = (&dumpRegulons{}).RunCommand("scopeloom dump-regulons", []string{"-i", dir + "/regulons.gob.gz"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, `# min-genes-regulon=2 min-regulon-gene-occurrence=2
regulon	gene	weight	occurrence
TF1_(+)	G1	2.5	3
TF1_(+)	G2	0.5	2
TF2_(-)	G5	0.7	2
TF2_(-)	G6	0.3	2
`)

	stdout.Reset()
	code = (&loomInfo{}).RunCommand("scopeloom loom-info", []string{dir + "/out.loom"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?s).*"Name": "RegulonGeneWeights".*`)
	c.Check(stdout.String(), check.Matches, `(?s).*"LOOM_SPEC_VERSION": "2\.0\.1".*`)

	// an aggregated collection cannot be aggregated again
	stderr.Reset()
	code = (&aggregateRegulons{}).RunCommand("scopeloom aggregate-regulons", []string{
		"-local=true",
		"-motif-enrichment=" + dir + "/regulons.gob.gz",
		"-signatures-dir=" + dir + "/sigs",
		"-o=" + dir + "/again.gob",
	}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*already an aggregated regulon collection\n`)
}

func (s *exportLoomSuite) TestUsage(c *check.C) {
	dir := setupExport(c)
	for _, args := range [][]string{
		{},
		{"-expression-mtx=" + dir + "/expr.csv", "-o=" + dir + "/out.loom"},
		{"-expression-mtx=" + dir + "/expr.csv", "-motif-enrichment=" + dir + "/motifs.csv", "-o=" + dir + "/out.loom"},
		{"-expression-mtx=x", "-motif-enrichment=y", "-regulons=z", "-o=out"},
		{"-bogus-flag"},
		{"-expression-mtx=x", "-regulons=z", "-o=out", "extra"},
	} {
		code, _ := runExport(c, args...)
		c.Check(code, check.Equals, 2, check.Commentf("args %q", args))
	}
	_, err := os.Stat(dir + "/out.loom")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *exportLoomSuite) TestInputErrors(c *check.C) {
	dir := setupExport(c)
	writeFiles(c, dir, map[string]string{
		"bad.csv": "TF,TargetGenes\nTF1,[('G1', 1)]\n",
	})
	code, stderr := runExport(c, append([]string{
		"-expression-mtx=" + dir + "/expr.csv",
		"-motif-enrichment=" + dir + "/bad.csv",
		"-signatures-dir=" + dir + "/sigs",
		"-o=" + dir + "/out.loom",
	}, testFilterArgs...)...)
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr, "missing required columns"), check.Equals, true)

	code, stderr = runExport(c, append([]string{
		"-expression-mtx=" + dir + "/missing.csv",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/sigs",
		"-o=" + dir + "/out.loom",
	}, testFilterArgs...)...)
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr, "missing.csv"), check.Equals, true)
	_, err := os.Stat(dir + "/out.loom")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *exportLoomSuite) TestEmptyCollection(c *check.C) {
	dir := setupExport(c)
	c.Assert(os.Mkdir(dir+"/other", 0755), check.IsNil)
	writeFiles(c, dir, map[string]string{"other/run1.tsv": "TF9(+)\tG1\t1\n"})
	var stdout, stderr bytes.Buffer
	code := (&aggregateRegulons{}).RunCommand("scopeloom aggregate-regulons", []string{
		"-local=true",
		"-motif-enrichment=" + dir + "/motifs.csv",
		"-signatures-dir=" + dir + "/other",
		"-min-genes-regulon=1",
		"-min-regulon-gene-occurrence=1",
		"-o=" + dir + "/empty.gob.gz",
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	code, errout := runExport(c,
		"-expression-mtx="+dir+"/expr.csv",
		"-regulons="+dir+"/empty.gob.gz",
		"-fail-empty",
		"-o="+dir+"/out.loom")
	c.Check(code, check.Equals, 3)
	c.Check(errout, check.Matches, `empty consensus: aggregated regulon collection .*/empty\.gob\.gz has no regulons\n`)
	_, err := os.Stat(dir + "/out.loom")
	c.Check(err, check.IsNil)
}

// The command line built for container mode must carry -fail-empty,
// so running it locally gives the same exit status.
func (s *exportLoomSuite) TestContainerArgsFailEmpty(c *check.C) {
	dir := setupExport(c)
	c.Assert(os.Mkdir(dir+"/other", 0755), check.IsNil)
	writeFiles(c, dir, map[string]string{"other/run1.tsv": "TF9(+)\tG1\t1\n"})
	ex := loomExport{
		ExpressionFilename: dir + "/expr.csv",
		EnrichmentFilename: dir + "/motifs.csv",
		SignaturesDir:      dir + "/other",
		GeneAttr:           attrGene,
		CellAttr:           attrCellID,
		Extended:           true,
		Filter:             regulonFilter{MinGenes: 1, MinOccurrence: 1},
	}
	for _, failEmpty := range []bool{false, true} {
		args := ex.containerArgs(dir+"/out.loom", "info", false, failEmpty)
		c.Assert(args[0], check.Equals, "export-loom")
		var stdout, stderr bytes.Buffer
		code := (&exportLoomCmd{}).RunCommand("scopeloom export-loom", args[1:], nil, &stdout, &stderr)
		if failEmpty {
			c.Check(code, check.Equals, 3)
		} else {
			c.Check(code, check.Equals, 0)
		}
	}

	agg := &aggregateRegulons{failEmpty: true, filter: regulonFilter{MinGenes: 1, MinOccurrence: 1}}
	args := agg.containerArgs(dir+"/motifs.csv", dir+"/other", dir+"/empty.gob", "info")
	c.Assert(args[0], check.Equals, "aggregate-regulons")
	var stdout, stderr bytes.Buffer
	code := (&aggregateRegulons{}).RunCommand("scopeloom aggregate-regulons", args[1:], nil, &stdout, &stderr)
	c.Check(code, check.Equals, 3)
}

func (s *exportLoomSuite) TestExitCodeContainer(c *check.C) {
	for _, trial := range []struct {
		exit      int
		failEmpty bool
		code      int
	}{
		{3, true, 3},
		{3, false, 1},
		{1, true, 1},
	} {
		var stderr bytes.Buffer
		err := &containerExitError{UUID: "zzzzz-dz642-zzzzzzzzzzzzzzz", ExitCode: trial.exit}
		c.Check(exitCode(err, trial.failEmpty, &stderr), check.Equals, trial.code)
		c.Check(stderr.String(), check.Matches, `container zzzzz-dz642-zzzzzzzzzzzzzzz exited \d.*\n`)
	}
}
