// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
)

// dumpRegulons prints a regulon collection (or the regulons built
// from an enrichment table) as tab-separated text.
type dumpRegulons struct{}

func (cmd *dumpRegulons) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), false, stderr)
}

func (cmd *dumpRegulons) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input `file` (regulon collection or enrichment table)")
	outputFilename := flags.String("o", "-", "output `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if *inputFilename == "" {
		fmt.Fprintln(stderr, "missing required flag -i")
		return errUsage
	}

	in, err := readEnrichmentTable(*inputFilename)
	if err != nil {
		return err
	}
	regulons := in.Regulons
	if !in.aggregated() {
		regulons, err = enrichmentToRegulons(in.Records)
		if err != nil {
			return err
		}
	}

	var output io.Writer = stdout
	var outf *os.File
	if *outputFilename != "-" {
		outf, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return &IOError{Op: "create", Path: *outputFilename, Err: err}
		}
		defer outf.Close()
		output = outf
	}
	bufw := bufio.NewWriterSize(output, 1<<20)
	if in.Filter != nil {
		fmt.Fprintf(bufw, "# min-genes-regulon=%d min-regulon-gene-occurrence=%d\n", in.Filter.MinGenes, in.Filter.MinOccurrence)
	}
	fmt.Fprint(bufw, "regulon\tgene\tweight\toccurrence\n")
	for _, r := range regulons {
		for _, gene := range r.Genes() {
			w, _ := r.Weight(gene)
			occ := ""
			if r.HasOccurrence() {
				occ = strconv.Itoa(r.Occurrence(gene))
			}
			fmt.Fprintf(bufw, "%s\t%s\t%s\t%s\n", r.Name(), gene, strconv.FormatFloat(w, 'g', -1, 64), occ)
		}
	}
	err = bufw.Flush()
	if err != nil {
		return &IOError{Op: "write", Path: *outputFilename, Err: err}
	}
	if outf != nil {
		err = outf.Close()
		if err != nil {
			return &IOError{Op: "close", Path: *outputFilename, Err: err}
		}
	}
	return nil
}
