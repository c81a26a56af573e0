// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"fmt"
	"strings"
)

// FormatError indicates that an input is well-formed enough to read
// but does not have the expected shape: a required column or
// attribute is missing, a value does not parse, identifiers are
// duplicated, or the file extension is not supported.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(path, format string, args ...interface{}) error {
	return &FormatError{Path: path, Err: fmt.Errorf(format, args...)}
}

// IOError indicates that a source could not be read or a destination
// could not be written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// EmptyResultError is returned when no regulon survives the
// consensus merge. The export still proceeds; the container simply
// has no regulon attributes.
type EmptyResultError struct {
	Regulons   int // regulons offered by the enrichment table
	Signatures int // signatures surviving the occurrence filters

	// Collection is the aggregated regulon collection the empty
	// result was read from, if any.
	Collection string
}

func (e *EmptyResultError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("empty consensus: aggregated regulon collection %s has no regulons", e.Collection)
	}
	var why []string
	if e.Regulons == 0 {
		why = append(why, "no regulons in enrichment input")
	}
	if e.Signatures == 0 {
		why = append(why, "no signatures passed the filters")
	}
	if len(why) == 0 {
		why = append(why, "no regulon name matched a signature name")
	}
	return fmt.Sprintf("empty consensus (%d regulons, %d signatures): %s", e.Regulons, e.Signatures, strings.Join(why, ", "))
}
