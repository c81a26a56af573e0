// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"fmt"
	"math"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// pcaEmbedding projects the rows (samples) of m onto the first k
// principal components and returns a rows x k matrix.
func pcaEmbedding(m *mat.Dense, k int) (out mat.Matrix, err error) {
	rows, cols := m.Dims()
	if rows <= k || cols < k {
		return nil, fmt.Errorf("cannot compute %d components from %d samples x %d features", k, rows, cols)
	}
	defer func() {
		// nlp panics if the factorization fails, e.g., on a
		// matrix with no variance.
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("pca: %v", r)
		}
	}()
	mtx := m.T()
	log.Printf("pca: fitting %d components, %d samples x %d features", k, rows, cols)
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx)
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return nil, err
	}
	return mtx.T(), nil
}

// embedding returns a cells x 2 array of PCA coordinates computed
// from the activity matrix, or all zeros if that is not possible.
func embedding(am *activityMatrix, ncells int) []float32 {
	out := make([]float32, ncells*2)
	if am == nil || am.Values == nil {
		return out
	}
	pca, err := pcaEmbedding(am.Values, 2)
	if err != nil {
		log.Warnf("embedding: %s; using zeros", err)
		return out
	}
	for i := 0; i < ncells; i++ {
		for j := 0; j < 2; j++ {
			v := pca.At(i, j)
			if math.IsNaN(v) {
				v = 0
			}
			out[i*2+j] = float32(v)
		}
	}
	return out
}
