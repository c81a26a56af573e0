// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"bufio"
	"encoding/gob"
	"io"

	"github.com/klauspost/pgzip"
)

// RegulonLibraryEntry is one value in a regulon library stream. A
// stream carries either enrichment records (to be aggregated) or
// consensus regulons, plus the filter used to produce them.
type RegulonLibraryEntry struct {
	Filter   *regulonFilter
	Records  []EnrichmentRecord
	Regulons []Regulon
}

// DecodeRegulonLibrary calls cb for each entry in the stream.
func DecodeRegulonLibrary(rdr io.Reader, gz bool, cb func(*RegulonLibraryEntry) error) error {
	if gz {
		zrdr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<20))
		if err != nil {
			return err
		}
		defer zrdr.Close()
		rdr = zrdr
	}
	dec := gob.NewDecoder(rdr)
	for {
		var ent RegulonLibraryEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = cb(&ent)
		if err != nil {
			return err
		}
	}
}
