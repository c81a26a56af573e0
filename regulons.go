// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// readRegulonLibrary reads a gob stream of RegulonLibraryEntry
// values. A stream that carries regulons, or a filter, is an
// aggregated collection; otherwise it carries enrichment records.
func readRegulonLibrary(fnm string) (*regulonInput, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, &IOError{Op: "open", Path: fnm, Err: err}
	}
	defer f.Close()
	in := &regulonInput{Path: fnm}
	var regulons []Regulon
	aggregated := false
	err = DecodeRegulonLibrary(f, strings.HasSuffix(fnm, ".gz"), func(ent *RegulonLibraryEntry) error {
		if ent.Filter != nil {
			filter := *ent.Filter
			in.Filter = &filter
			aggregated = true
		}
		if len(ent.Regulons) > 0 {
			aggregated = true
		}
		regulons = append(regulons, ent.Regulons...)
		in.Records = append(in.Records, ent.Records...)
		return nil
	})
	if err != nil {
		return nil, formatErrorf(fnm, "decode: %s", err)
	}
	if aggregated {
		if len(in.Records) > 0 {
			return nil, formatErrorf(fnm, "library has both enrichment records and aggregated regulons")
		}
		if dup := firstDuplicate(regulonNames(regulons)); dup != "" {
			return nil, formatErrorf(fnm, "duplicate regulon %q", dup)
		}
		in.Regulons = append([]Regulon{}, regulons...)
		sortRegulons(in.Regulons)
		log.Infof("%s: read %d aggregated regulons", fnm, len(in.Regulons))
	} else {
		log.Infof("%s: read %d enrichment records", fnm, len(in.Records))
	}
	return in, nil
}

func regulonNames(regulons []Regulon) []string {
	names := make([]string, len(regulons))
	for i, r := range regulons {
		names[i] = r.Name()
	}
	return names
}

// writeRegulonCollection writes the given regulons and filter to fnm
// as a gob stream, gzipped if fnm ends in ".gz". The file is replaced
// atomically.
func writeRegulonCollection(fnm string, regulons []Regulon, filter regulonFilter) error {
	return writeFileAtomic(fnm, func(w io.Writer) error {
		if strings.HasSuffix(fnm, ".gz") {
			zw := pgzip.NewWriter(w)
			err := gob.NewEncoder(zw).Encode(RegulonLibraryEntry{
				Filter:   &filter,
				Regulons: regulons,
			})
			if err != nil {
				return err
			}
			return zw.Close()
		}
		return gob.NewEncoder(w).Encode(RegulonLibraryEntry{
			Filter:   &filter,
			Regulons: regulons,
		})
	})
}

// writeFileAtomic calls write with a buffered writer on a temporary
// file in the same directory as fnm, then renames it to fnm.
func writeFileAtomic(fnm string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(fnm), "."+filepath.Base(fnm)+".tmp-*")
	if err != nil {
		return &IOError{Op: "create", Path: fnm, Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	bufw := bufio.NewWriterSize(tmp, 1<<22)
	err = write(bufw)
	if err == nil {
		err = bufw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = tmp.Close()
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), fnm)
	}
	if err != nil {
		return &IOError{Op: "write", Path: fnm, Err: err}
	}
	return nil
}
