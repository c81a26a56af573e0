// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"flag"
	"fmt"
)

// regulonFilter holds the thresholds applied to aggregated
// signatures.
type regulonFilter struct {
	MinGenes      int
	MinOccurrence int
}

func (f *regulonFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinGenes, "min-genes-regulon", 5, "drop regulons with fewer than `N` target genes after occurrence filtering")
	flags.IntVar(&f.MinOccurrence, "min-regulon-gene-occurrence", 5, "drop target genes that appear in fewer than `N` runs")
}

func (f *regulonFilter) Args() []string {
	return []string{
		fmt.Sprintf("-min-genes-regulon=%d", f.MinGenes),
		fmt.Sprintf("-min-regulon-gene-occurrence=%d", f.MinOccurrence),
	}
}

func (f *regulonFilter) Check() error {
	if f.MinGenes < 0 {
		return fmt.Errorf("invalid -min-genes-regulon %d", f.MinGenes)
	}
	if f.MinOccurrence < 0 {
		return fmt.Errorf("invalid -min-regulon-gene-occurrence %d", f.MinOccurrence)
	}
	return nil
}

// scopeTree is the classification path (up to 3 levels) used by the
// viewer to group datasets.
type scopeTree struct {
	Levels [3]string
}

func (t *scopeTree) Flags(flags *flag.FlagSet) {
	for i := range t.Levels {
		flags.StringVar(&t.Levels[i], fmt.Sprintf("scope-tree-level-%d", i+1), "", fmt.Sprintf("level %d of the classification tree", i+1))
	}
}

func (t *scopeTree) Args() []string {
	var args []string
	for i, level := range t.Levels {
		args = append(args, fmt.Sprintf("-scope-tree-level-%d=%s", i+1, level))
	}
	return args
}

// Check rejects paths with gaps, e.g., a level 3 label without a
// level 2 label.
func (t *scopeTree) Check() error {
	for i := 1; i < len(t.Levels); i++ {
		if t.Levels[i] != "" && t.Levels[i-1] == "" {
			return fmt.Errorf("-scope-tree-level-%d given without -scope-tree-level-%d", i+1, i)
		}
	}
	return nil
}

// Attrs returns the global attributes SCopeTreeL1..L3. Unset levels
// are empty strings.
func (t *scopeTree) Attrs() map[string]interface{} {
	attrs := map[string]interface{}{}
	for i, level := range t.Levels {
		attrs[fmt.Sprintf("SCopeTreeL%d", i+1)] = level
	}
	return attrs
}
