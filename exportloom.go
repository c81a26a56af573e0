// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/arvados/scopeloom/loomz"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Container attribute names.
const (
	attrRegulons               = "Regulons"
	attrRegulonGeneWeights     = "RegulonGeneWeights"
	attrRegulonGeneOccurrences = "RegulonGeneOccurrences"
	attrRegulonsAUC            = "RegulonsAUC"
	attrRegulonsBinary         = "RegulonsBinary"
	attrEmbedding              = "Embedding"
	attrNUMI                   = "nUMI"
	attrNGene                  = "nGene"

	loomSpecVersion = "2.0.1"
	thresholdName   = "mean_plus_2sd"
)

var errUsage = errors.New("usage error")

type exportOptions struct {
	Expr       *exprMatrix
	ExprSource string // used for the default title
	Regulons   []Regulon
	AUC        *activityMatrix
	Title      string
	Genome     string
	Tree       scopeTree
	Filter     regulonFilter
	Extended   bool // include per-gene occurrence counts
	Now        time.Time
}

type motifData struct {
	MotifID             string  `json:"motifID,omitempty"`
	NES                 float64 `json:"NES"`
	OrthologousIdentity float64 `json:"orthologousIdentity"`
	SimilarityQValue    float64 `json:"similarityQValue"`
	Annotation          string  `json:"annotation"`
}

type regulonThreshold struct {
	Regulon               string             `json:"regulon"`
	DefaultThresholdValue float64            `json:"defaultThresholdValue"`
	DefaultThresholdName  string             `json:"defaultThresholdName"`
	AllThresholds         map[string]float64 `json:"allThresholds"`
	MotifData             *motifData         `json:"motifData,omitempty"`
}

type loomMetadata struct {
	RegulonSettings struct {
		MinGenesRegulon          int `json:"minGenesRegulon"`
		MinRegulonGeneOccurrence int `json:"minRegulonGeneOccurrence"`
	} `json:"regulonSettings"`
	RegulonThresholds []regulonThreshold     `json:"regulonThresholds"`
	Embeddings        []map[string]interface{} `json:"embeddings"`
	Metrics           []map[string]interface{} `json:"metrics"`
	Annotations       []map[string]interface{} `json:"annotations"`
	Clusterings       []map[string]interface{} `json:"clusterings"`
}

// buildLoom assembles the export container in memory.
func buildLoom(opts exportOptions) (*loomz.Container, error) {
	expr := opts.Expr
	ncells, ngenes := len(expr.Cells), len(expr.Genes)
	if ncells == 0 || ngenes == 0 {
		return nil, formatErrorf(opts.ExprSource, "expression matrix is empty (%d cells, %d genes)", ncells, ngenes)
	}
	c := loomz.New()
	c.Matrix = loomz.Float32s(expr.geneMajor(), ngenes, ncells)
	c.RowAttrs[attrGene] = loomz.Strings(expr.Genes)
	c.ColAttrs[attrCellID] = loomz.Strings(expr.Cells)

	numi := make([]float32, ncells)
	ngene := make([]uint32, ncells)
	for i := 0; i < ncells; i++ {
		var sum float64
		for _, v := range expr.Data[i*ngenes : (i+1)*ngenes] {
			sum += float64(v)
			if v > 0 {
				ngene[i]++
			}
		}
		numi[i] = float32(sum)
	}
	c.ColAttrs[attrNUMI] = loomz.Float32s(numi)
	c.ColAttrs[attrNGene] = loomz.Uint32s(ngene)

	err := addRegulonAttrs(c, expr.Genes, opts.Regulons, opts.Extended)
	if err != nil {
		return nil, err
	}

	var meta loomMetadata
	meta.RegulonSettings.MinGenesRegulon = opts.Filter.MinGenes
	meta.RegulonSettings.MinRegulonGeneOccurrence = opts.Filter.MinOccurrence
	meta.RegulonThresholds = []regulonThreshold{}
	meta.Embeddings = []map[string]interface{}{}
	meta.Metrics = []map[string]interface{}{{"name": attrNUMI}, {"name": attrNGene}}
	meta.Annotations = []map[string]interface{}{}
	meta.Clusterings = []map[string]interface{}{}
	if am := opts.AUC; am != nil && len(am.Regulons) > 0 {
		if len(am.Cells) != ncells {
			return nil, fmt.Errorf("activity matrix has %d cells, expression matrix has %d", len(am.Cells), ncells)
		}
		thresholds := addActivityAttrs(c, am)
		byName := map[string]Regulon{}
		for _, r := range opts.Regulons {
			byName[scopeName(r.Name())] = r
		}
		for j, name := range am.Regulons {
			rt := regulonThreshold{
				Regulon:               name,
				DefaultThresholdValue: thresholds[j],
				DefaultThresholdName:  thresholdName,
				AllThresholds:         map[string]float64{thresholdName: thresholds[j]},
			}
			if r, ok := byName[name]; ok {
				md := r.Metadata()
				rt.MotifData = &motifData{
					MotifID:             md.MotifID,
					NES:                 finiteOrZero(md.NES),
					OrthologousIdentity: finiteOrZero(md.OrthologousIdentity),
					SimilarityQValue:    finiteOrZero(md.MotifSimilarityQvalue),
					Annotation:          md.Annotation,
				}
			}
			meta.RegulonThresholds = append(meta.RegulonThresholds, rt)
		}
		meta.Embeddings = append(meta.Embeddings, map[string]interface{}{"id": -1, "name": "PCA of regulon activity"})
	} else {
		c.ColAttrs[attrEmbedding] = loomz.Float32s(make([]float32, ncells*2), ncells, 2).WithFields([]string{"_X", "_Y"})
	}

	title := opts.Title
	if title == "" {
		title = trimExt(opts.ExprSource)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	c.Attrs["title"] = title
	c.Attrs["Genome"] = opts.Genome
	for k, v := range opts.Tree.Attrs() {
		c.Attrs[k] = v
	}
	c.Attrs["CreationDate"] = now.UTC().Format(time.RFC3339)
	c.Attrs["LOOM_SPEC_VERSION"] = loomSpecVersion
	c.Attrs["MetaData"] = meta
	return c, nil
}

// addRegulonAttrs adds the genes x regulons membership, weight, and
// (if extended) occurrence row attributes. Regulons with no target in
// genes are skipped; if none remain, no attributes are added.
func addRegulonAttrs(c *loomz.Container, genes []string, regulons []Regulon, extended bool) error {
	geneIdx := make(map[string]int, len(genes))
	for i, g := range genes {
		geneIdx[g] = i
	}
	var keep []Regulon
	for _, r := range regulons {
		for _, g := range r.Genes() {
			if _, ok := geneIdx[g]; ok {
				keep = append(keep, r)
				break
			}
		}
	}
	if dropped := len(regulons) - len(keep); dropped > 0 {
		log.Warnf("%d regulons have no target genes in the expression matrix, omitting them", dropped)
	}
	if len(keep) == 0 {
		return nil
	}
	names := make([]string, len(keep))
	for i, r := range keep {
		names[i] = scopeName(r.Name())
	}
	if dup := firstDuplicate(names); dup != "" {
		return formatErrorf("", "duplicate regulon %q", dup)
	}
	nreg := len(keep)
	member := make([]uint8, len(genes)*nreg)
	weights := make([]float32, len(genes)*nreg)
	occurrence := make([]uint32, len(genes)*nreg)
	haveOccurrence := false
	maxOccurrence := 0
	for j, r := range keep {
		haveOccurrence = haveOccurrence || r.HasOccurrence()
		for g, w := range r.Targets() {
			i, ok := geneIdx[g]
			if !ok {
				continue
			}
			member[i*nreg+j] = 1
			weights[i*nreg+j] = float32(w)
			if n := r.Occurrence(g); n > 0 {
				occurrence[i*nreg+j] = uint32(n)
				if n > maxOccurrence {
					maxOccurrence = n
				}
			}
		}
	}
	c.RowAttrs[attrRegulons] = loomz.Uint8s(member, len(genes), nreg).WithFields(names)
	c.RowAttrs[attrRegulonGeneWeights] = loomz.Float32s(weights, len(genes), nreg).WithFields(names)
	if extended && haveOccurrence {
		if maxOccurrence <= math.MaxUint16 {
			occ16 := make([]uint16, len(occurrence))
			for i, n := range occurrence {
				occ16[i] = uint16(n)
			}
			c.RowAttrs[attrRegulonGeneOccurrences] = loomz.Uint16s(occ16, len(genes), nreg).WithFields(names)
		} else {
			c.RowAttrs[attrRegulonGeneOccurrences] = loomz.Uint32s(occurrence, len(genes), nreg).WithFields(names)
		}
	}
	log.Infof("serializing %d regulons", nreg)
	return nil
}

// addActivityAttrs adds the continuous and binarized activity column
// attributes and the embedding, and returns the per-regulon
// thresholds.
func addActivityAttrs(c *loomz.Container, am *activityMatrix) []float64 {
	ncells, nreg := len(am.Cells), len(am.Regulons)
	auc := make([]float32, ncells*nreg)
	binary := make([]uint8, ncells*nreg)
	thresholds := make([]float64, nreg)
	col := make([]float64, ncells)
	for j := 0; j < nreg; j++ {
		for i := 0; i < ncells; i++ {
			col[i] = am.At(i, j)
		}
		mean, sd := stat.MeanStdDev(col, nil)
		if math.IsNaN(sd) {
			sd = 0
		}
		thresholds[j] = mean + 2*sd
		for i, v := range col {
			auc[i*nreg+j] = float32(v)
			if v >= thresholds[j] && v > 0 {
				binary[i*nreg+j] = 1
			}
		}
	}
	c.ColAttrs[attrRegulonsAUC] = loomz.Float32s(auc, ncells, nreg).WithFields(am.Regulons)
	c.ColAttrs[attrRegulonsBinary] = loomz.Uint8s(binary, ncells, nreg).WithFields(am.Regulons)
	c.ColAttrs[attrEmbedding] = loomz.Float32s(embedding(am, ncells), ncells, 2).WithFields([]string{"_X", "_Y"})
	return thresholds
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// loomExport runs the whole pipeline: load inputs, build the
// consensus regulons, and write the container.
type loomExport struct {
	ExpressionFilename string
	EnrichmentFilename string
	SignaturesDir      string
	AUCFilename        string
	OutputFilename     string
	GeneAttr           string
	CellAttr           string
	Title              string
	Genome             string
	Filter             regulonFilter
	Tree               scopeTree
	Extended           bool
	Compress           bool
}

// Run writes the container. If the consensus is empty the container
// is still written and the returned error is an *EmptyResultError.
func (ex *loomExport) Run() error {
	t0 := time.Now()
	log.Print("loading expression matrix")
	expr, err := loadExpressionMatrix(ex.ExpressionFilename, ex.GeneAttr, ex.CellAttr)
	if err != nil {
		return err
	}
	log.Printf("loading expression matrix took %v", time.Since(t0))

	t0 = time.Now()
	regulons, filter, emptyErr := ex.consensus()
	var empty *EmptyResultError
	if emptyErr != nil && !errors.As(emptyErr, &empty) {
		return emptyErr
	}
	log.Printf("building consensus regulons took %v", time.Since(t0))

	var am *activityMatrix
	if ex.AUCFilename != "" {
		t0 = time.Now()
		am, err = readActivityMatrix(ex.AUCFilename, expr.Cells)
		if err != nil {
			return err
		}
		log.Printf("loading activity matrix took %v", time.Since(t0))
	}

	t0 = time.Now()
	c, err := buildLoom(exportOptions{
		Expr:       expr,
		ExprSource: ex.ExpressionFilename,
		Regulons:   regulons,
		AUC:        am,
		Title:      ex.Title,
		Genome:     ex.Genome,
		Tree:       ex.Tree,
		Filter:     filter,
		Extended:   ex.Extended,
	})
	if err != nil {
		return err
	}
	err = c.WriteFile(ex.OutputFilename, ex.Compress)
	if errors.Is(err, loomz.ErrFormat) {
		return &FormatError{Path: ex.OutputFilename, Err: err}
	} else if err != nil {
		return &IOError{Op: "write", Path: ex.OutputFilename, Err: err}
	}
	log.Printf("writing %s took %v", ex.OutputFilename, time.Since(t0))
	if empty != nil {
		log.Warnf("%s contains no regulon data: %s", ex.OutputFilename, empty)
		return empty
	}
	return nil
}

// consensus returns the consensus regulons, either read from a
// pre-aggregated collection or built from the enrichment table and
// signatures, and the filter that produced them.
func (ex *loomExport) consensus() ([]Regulon, regulonFilter, error) {
	in, err := readEnrichmentTable(ex.EnrichmentFilename)
	if err != nil {
		return nil, ex.Filter, err
	}
	return buildConsensus(in, ex.SignaturesDir, ex.Filter)
}

func buildConsensus(in *regulonInput, sigDir string, filter regulonFilter) ([]Regulon, regulonFilter, error) {
	if in.aggregated() {
		if in.Filter != nil {
			filter = *in.Filter
		}
		if len(in.Regulons) == 0 {
			return in.Regulons, filter, &EmptyResultError{Collection: in.Path}
		}
		return in.Regulons, filter, nil
	}
	if sigDir == "" {
		return nil, filter, errors.New("signatures directory is required unless the regulon input is an aggregated collection")
	}
	regulons, err := enrichmentToRegulons(in.Records)
	if err != nil {
		return nil, filter, err
	}
	sigs, err := readSignatureDir(sigDir, filter)
	if err != nil {
		return nil, filter, err
	}
	consensus, err := mergeConsensus(regulons, sigs, filter)
	return consensus, filter, err
}

// containerArgs returns the command line that runs the same export
// inside a container, writing to output. Input paths must already be
// translated to container mount points.
func (ex *loomExport) containerArgs(output, loglevel string, regulons, failEmpty bool) []string {
	args := []string{"export-loom", "-local=true",
		"-loglevel=" + loglevel,
		"-expression-mtx=" + ex.ExpressionFilename,
		"-signatures-dir=" + ex.SignaturesDir,
		"-auc-mtx=" + ex.AUCFilename,
		"-o=" + output,
		"-cell-id-attribute=" + ex.CellAttr,
		"-gene-attribute=" + ex.GeneAttr,
		"-title=" + ex.Title,
		"-nomenclature=" + ex.Genome,
		fmt.Sprintf("-extended-metadata=%v", ex.Extended),
		fmt.Sprintf("-compress=%v", ex.Compress),
		fmt.Sprintf("-fail-empty=%v", failEmpty),
	}
	if regulons {
		args = append(args, "-regulons="+ex.EnrichmentFilename)
	} else {
		args = append(args, "-motif-enrichment="+ex.EnrichmentFilename)
	}
	args = append(args, ex.Filter.Args()...)
	args = append(args, ex.Tree.Args()...)
	return args
}

type exportLoomCmd struct {
	export    loomExport
	failEmpty bool
}

func (cmd *exportLoomCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), cmd.failEmpty, stderr)
}

// exitCode maps a command error to an exit status: 2 for usage
// errors, 3 for an empty result if failEmpty is set (including a
// container that exited 3 for that reason), 1 for other errors.
func exitCode(err error, failEmpty bool, stderr io.Writer) int {
	var empty *EmptyResultError
	var cexit *containerExitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.As(err, &empty):
		if failEmpty {
			fmt.Fprintf(stderr, "%s\n", err)
			return 3
		}
		return 0
	case failEmpty && errors.As(err, &cexit) && cexit.ExitCode == 3:
		fmt.Fprintf(stderr, "%s: empty consensus\n", err)
		return 3
	default:
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
}

func parseLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func (cmd *exportLoomCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	ex := &cmd.export
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&ex.ExpressionFilename, "expression-mtx", "", "expression matrix `file` (.csv/.tsv cells x genes, or .loom genes x cells)")
	flags.StringVar(&ex.EnrichmentFilename, "motif-enrichment", "", "motif enrichment table `file` (.csv/.tsv/.gob, optionally .gz)")
	regulonsFilename := flags.String("regulons", "", "aggregated regulon collection `file` written by aggregate-regulons (instead of -motif-enrichment and -signatures-dir)")
	flags.StringVar(&ex.SignaturesDir, "signatures-dir", "", "`directory` of per-run signature files")
	flags.StringVar(&ex.AUCFilename, "auc-mtx", "", "regulon activity matrix `file` (tab-separated, cells x regulons)")
	flags.StringVar(&ex.OutputFilename, "o", "", "output `file`")
	flags.StringVar(&ex.CellAttr, "cell-id-attribute", attrCellID, "column attribute holding cell IDs in a loom input")
	flags.StringVar(&ex.GeneAttr, "gene-attribute", attrGene, "row attribute holding gene symbols in a loom input")
	flags.StringVar(&ex.Title, "title", "", "title (default: base name of the expression matrix file)")
	flags.StringVar(&ex.Genome, "nomenclature", "", "genome name")
	flags.BoolVar(&ex.Extended, "extended-metadata", true, "store per-gene occurrence counts")
	flags.BoolVar(&ex.Compress, "compress", true, "compress container entries")
	flags.BoolVar(&cmd.failEmpty, "fail-empty", false, "exit 3 if no regulon survives the consensus merge (the output is still written)")
	ex.Filter.Flags(flags)
	ex.Tree.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "errant command line arguments after parsed flags: %v\n", flags.Args())
		return errUsage
	}
	if *regulonsFilename != "" {
		if ex.EnrichmentFilename != "" {
			fmt.Fprintln(stderr, "cannot use both -regulons and -motif-enrichment")
			return errUsage
		}
		ex.EnrichmentFilename = *regulonsFilename
	}
	for _, check := range []struct {
		val  string
		flag string
	}{
		{ex.ExpressionFilename, "-expression-mtx"},
		{ex.EnrichmentFilename, "-motif-enrichment or -regulons"},
		{ex.OutputFilename, "-o"},
	} {
		if check.val == "" {
			fmt.Fprintf(stderr, "missing required flag %s\n", check.flag)
			return errUsage
		}
	}
	if *regulonsFilename == "" && ex.SignaturesDir == "" {
		fmt.Fprintln(stderr, "missing required flag -signatures-dir")
		return errUsage
	}
	if err = ex.Filter.Check(); err != nil {
		return err
	}
	if err = ex.Tree.Check(); err != nil {
		return err
	}
	if err = parseLogLevel(*loglevel); err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "scopeloom export-loom",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       4,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(&ex.ExpressionFilename, &ex.EnrichmentFilename, &ex.SignaturesDir, &ex.AUCFilename)
		if err != nil {
			return err
		}
		outfile := filepath.Base(ex.OutputFilename)
		runner.Args = ex.containerArgs("/mnt/output/"+outfile, *loglevel, *regulonsFilename != "", cmd.failEmpty)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+outfile)
		return nil
	}

	return ex.Run()
}
