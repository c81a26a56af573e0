// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package loomz

import (
	"archive/zip"
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/kshedden/gonpy"
	"golang.org/x/crypto/blake2b"
)

type manifestEntry struct {
	Path    string   `json:"path"`
	File    string   `json:"file"`
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Blake2b string   `json:"blake2b"`
}

type manifest struct {
	Version int             `json:"version"`
	Entries []manifestEntry `json:"entries"`
}

// WriteFile writes the container to fnm. The data is written to a
// temporary file in the same directory and renamed into place, so
// fnm is either left untouched or replaced with a complete
// container.
func (c *Container) WriteFile(fnm string, compress bool) error {
	err := c.Validate()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(fnm), "."+filepath.Base(fnm)+".tmp-*")
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	bufw := bufio.NewWriterSize(tmp, 1<<22)
	err = c.Encode(bufw, compress)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	err = tmp.Sync()
	if err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	err = os.Chmod(tmp.Name(), 0644)
	if err != nil {
		return err
	}
	err = os.Rename(tmp.Name(), fnm)
	if err != nil {
		return err
	}
	renamed = true
	return nil
}

// Encode writes the container to w as a zip archive. If compress is
// true, entries are deflated.
func (c *Container) Encode(w io.Writer, compress bool) error {
	zw := zip.NewWriter(w)
	method := zip.Store
	if compress {
		method = zip.Deflate
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestSpeed)
		})
	}
	man := manifest{Version: manifestVersion}

	put := func(path, file, dtype string, ds *Dataset, encode func(io.Writer) error) error {
		ew, err := zw.CreateHeader(&zip.FileHeader{Name: file, Method: method})
		if err != nil {
			return err
		}
		h, err := blake2b.New256(nil)
		if err != nil {
			return err
		}
		err = encode(io.MultiWriter(ew, h))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		ent := manifestEntry{
			Path:    path,
			File:    file,
			Dtype:   dtype,
			Blake2b: hex.EncodeToString(h.Sum(nil)),
		}
		if ds != nil {
			ent.Shape = ds.Shape
			ent.Fields = ds.Fields
		}
		man.Entries = append(man.Entries, ent)
		return nil
	}
	putDataset := func(path string, ds Dataset) error {
		return put(path, path+fileExt(ds), ds.Dtype(), &ds, func(w io.Writer) error {
			return encodeDataset(w, ds)
		})
	}

	err := put("attrs", "attrs.json", dtypeJSON, nil, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(c.Attrs)
	})
	if err != nil {
		return err
	}
	err = putDataset("matrix", c.Matrix)
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(c.RowAttrs) {
		err = putDataset("row_attrs/"+name, c.RowAttrs[name])
		if err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(c.ColAttrs) {
		err = putDataset("col_attrs/"+name, c.ColAttrs[name])
		if err != nil {
			return err
		}
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: method})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	err = enc.Encode(man)
	if err != nil {
		return err
	}
	return zw.Close()
}

func fileExt(ds Dataset) string {
	if ds.Dtype() == DtypeString {
		return ".json"
	}
	return ".npy"
}

func encodeDataset(w io.Writer, ds Dataset) error {
	if strs, ok := ds.Data.([]string); ok {
		return json.NewEncoder(w).Encode(strs)
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	npw.Shape = ds.Shape
	switch data := ds.Data.(type) {
	case []float32:
		return npw.WriteFloat32(data)
	case []uint8:
		return npw.WriteUint8(data)
	case []uint16:
		return npw.WriteUint16(data)
	case []uint32:
		return npw.WriteUint32(data)
	default:
		return fmt.Errorf("%w: unsupported data type %T", ErrFormat, ds.Data)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
