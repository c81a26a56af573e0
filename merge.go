// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// aggregateRegulons builds the consensus regulons from an enrichment
// table and a signature directory, and saves them as a regulon
// collection that export-loom can read with -regulons.
type aggregateRegulons struct {
	filter    regulonFilter
	failEmpty bool
}

func (cmd *aggregateRegulons) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), cmd.failEmpty, stderr)
}

// containerArgs returns the command line that runs the same
// aggregation inside a container.
func (cmd *aggregateRegulons) containerArgs(enrichment, sigDir, output, loglevel string) []string {
	return append([]string{"aggregate-regulons", "-local=true",
		"-loglevel=" + loglevel,
		"-motif-enrichment=" + enrichment,
		"-signatures-dir=" + sigDir,
		"-o=" + output,
		fmt.Sprintf("-fail-empty=%v", cmd.failEmpty),
	}, cmd.filter.Args()...)
}

func (cmd *aggregateRegulons) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	enrichmentFilename := flags.String("motif-enrichment", "", "motif enrichment table `file` (.csv/.tsv/.gob, optionally .gz)")
	signaturesDir := flags.String("signatures-dir", "", "`directory` of per-run signature files")
	outputFilename := flags.String("o", "", "output `file` (.gob or .gob.gz)")
	flags.BoolVar(&cmd.failEmpty, "fail-empty", false, "exit 3 if no regulon survives the consensus merge (the output is still written)")
	cmd.filter.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "errant command line arguments after parsed flags: %v\n", flags.Args())
		return errUsage
	} else if *enrichmentFilename == "" || *signaturesDir == "" || *outputFilename == "" {
		fmt.Fprintln(stderr, "-motif-enrichment, -signatures-dir, and -o are required")
		return errUsage
	}
	if err = cmd.filter.Check(); err != nil {
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
			Name:        "scopeloom aggregate-regulons",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       8,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(enrichmentFilename, signaturesDir)
		if err != nil {
			return err
		}
		outfile := filepath.Base(*outputFilename)
		runner.Args = cmd.containerArgs(*enrichmentFilename, *signaturesDir, "/mnt/output/"+outfile, *loglevel)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+outfile)
		return nil
	}

	t0 := time.Now()
	in, err := readEnrichmentTable(*enrichmentFilename)
	if err != nil {
		return err
	}
	if in.aggregated() {
		return formatErrorf(*enrichmentFilename, "input is already an aggregated regulon collection")
	}
	regulons, filter, mergeErr := buildConsensus(in, *signaturesDir, cmd.filter)
	if _, empty := mergeErr.(*EmptyResultError); mergeErr != nil && !empty {
		return mergeErr
	}
	err = writeRegulonCollection(*outputFilename, regulons, filter)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"regulons": len(regulons),
		"elapsed":  time.Since(t0),
	}).Infof("wrote %s", *outputFilename)
	if mergeErr != nil {
		log.Warnf("%s contains no regulons: %s", *outputFilename, mergeErr)
	}
	return mergeErr
}
