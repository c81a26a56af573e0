// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	log "github.com/sirupsen/logrus"
)

// mergeConsensus keeps the regulons that have a signature of the same
// name, restricts their targets to the signature's genes, attaches
// the occurrence counts, and renames them with scopeName. The result
// is sorted by name.
//
// A signature gene that is not an enrichment target and has no weight
// of its own (occurrence-only signature files) is dropped, and the
// regulon must still have filter.MinGenes targets afterwards.
//
// If nothing survives, the returned slice is empty and the error is
// an *EmptyResultError.
func mergeConsensus(regulons []Regulon, sigs map[string]Signature, filter regulonFilter) ([]Regulon, error) {
	byName := make(map[string]Signature, len(sigs))
	sigNames := make([]string, 0, len(sigs))
	for name := range sigs {
		sigNames = append(sigNames, name)
	}
	renamed, err := scopeNames(sigNames)
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	for i, name := range sigNames {
		byName[renamed[i]] = sigs[name]
	}

	consensus := []Regulon{}
	seen := map[string]string{}
	for _, r := range regulons {
		name := scopeName(r.Name())
		sig, ok := byName[name]
		if !ok {
			continue
		}
		if prev, dup := seen[name]; dup {
			return nil, formatErrorf("", "regulons %q and %q both rename to %q", prev, r.Name(), name)
		}
		seen[name] = r.Name()
		targets := make(map[string]float64, sig.Len())
		occurrence := make(map[string]int, sig.Len())
		for gene, n := range sig.Occurrence {
			w, ok := r.Weight(gene)
			if !ok {
				w, ok = sig.Weights[gene]
			}
			if !ok {
				continue
			}
			targets[gene] = w
			occurrence[gene] = n
		}
		if len(targets) == 0 || len(targets) < filter.MinGenes {
			log.Debugf("dropping regulon %s: %d weighted targets", name, len(targets))
			continue
		}
		merged, err := r.WithTargets(targets)
		if err != nil {
			return nil, &FormatError{Err: err}
		}
		consensus = append(consensus, merged.WithGeneOccurrence(occurrence).WithName(name))
	}
	sortRegulons(consensus)
	log.Debugf("signatures: %s", describeSignatures(sigs))
	log.WithFields(log.Fields{
		"regulons":   len(regulons),
		"signatures": len(sigs),
		"consensus":  len(consensus),
	}).Info("merged consensus regulons")
	if len(consensus) == 0 {
		return consensus, &EmptyResultError{Regulons: len(regulons), Signatures: len(sigs)}
	}
	return consensus, nil
}
