// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package loomz

import (
	"archive/zip"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/kshedden/gonpy"
	"golang.org/x/crypto/blake2b"
)

// ReadFile opens and fully decodes the container at fnm, verifying
// the checksum of every entry.
func ReadFile(fnm string) (*Container, error) {
	zr, err := zip.OpenReader(fnm)
	if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
		return nil, fmt.Errorf("%w: %s: %s", ErrFormat, fnm, err)
	} else if err != nil {
		return nil, err
	}
	defer zr.Close()
	c, err := decode(&zr.Reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return c, nil
}

// Decode reads a container from an in-memory or on-disk archive of
// the given size.
func Decode(r io.ReaderAt, size int64) (*Container, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	return decode(zr)
}

func decode(zr *zip.Reader) (*Container, error) {
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}
	mf, ok := files["manifest.json"]
	if !ok {
		return nil, fmt.Errorf("%w: no manifest.json", ErrFormat)
	}
	var man manifest
	err := readJSON(mf, &man)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest.json: %s", ErrFormat, err)
	}
	if man.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", ErrFormat, man.Version)
	}

	c := New()
	haveMatrix := false
	for _, ent := range man.Entries {
		f, ok := files[ent.File]
		if !ok {
			return nil, fmt.Errorf("%w: manifest entry %q refers to missing file %q", ErrFormat, ent.Path, ent.File)
		}
		ds, err := readEntry(f, ent, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ent.Path, err)
		}
		switch {
		case ent.Path == "attrs":
		case ent.Path == "matrix":
			c.Matrix = ds
			haveMatrix = true
		case strings.HasPrefix(ent.Path, "row_attrs/"):
			c.RowAttrs[strings.TrimPrefix(ent.Path, "row_attrs/")] = ds
		case strings.HasPrefix(ent.Path, "col_attrs/"):
			c.ColAttrs[strings.TrimPrefix(ent.Path, "col_attrs/")] = ds
		default:
			return nil, fmt.Errorf("%w: unexpected manifest entry %q", ErrFormat, ent.Path)
		}
	}
	if !haveMatrix {
		return nil, fmt.Errorf("%w: no matrix", ErrFormat)
	}
	err = c.Validate()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// readEntry decodes one archive entry and checks its checksum. The
// global attributes entry is decoded into c.Attrs directly.
func readEntry(f *zip.File, ent manifestEntry, c *Container) (Dataset, error) {
	rc, err := f.Open()
	if err != nil {
		return Dataset{}, err
	}
	defer rc.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return Dataset{}, err
	}
	tee := io.TeeReader(rc, h)
	var ds Dataset
	if ent.Dtype == dtypeJSON {
		err = json.NewDecoder(tee).Decode(&c.Attrs)
	} else {
		ds, err = decodeDataset(tee, ent)
	}
	if err != nil {
		return Dataset{}, err
	}
	_, err = io.Copy(io.Discard, tee)
	if err != nil {
		return Dataset{}, err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != ent.Blake2b {
		return Dataset{}, fmt.Errorf("%w: %s has blake2b %s, manifest says %s", ErrChecksum, ent.File, sum, ent.Blake2b)
	}
	return ds, nil
}

func decodeDataset(r io.Reader, ent manifestEntry) (Dataset, error) {
	ds := Dataset{Shape: ent.Shape, Fields: ent.Fields}
	if ent.Dtype == DtypeString {
		var strs []string
		err := json.NewDecoder(r).Decode(&strs)
		if err != nil {
			return ds, fmt.Errorf("%w: %s", ErrFormat, err)
		}
		if strs == nil {
			strs = []string{}
		}
		ds.Data = strs
		return ds, ds.check()
	}
	npr, err := gonpy.NewReader(r)
	if err != nil {
		return ds, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	if !sameShape(npr.Shape, ent.Shape) {
		return ds, fmt.Errorf("%w: npy shape %v, manifest shape %v", ErrFormat, npr.Shape, ent.Shape)
	}
	switch ent.Dtype {
	case DtypeFloat32:
		ds.Data, err = npr.GetFloat32()
	case DtypeUint8:
		ds.Data, err = npr.GetUint8()
	case DtypeUint16:
		ds.Data, err = npr.GetUint16()
	case DtypeUint32:
		ds.Data, err = npr.GetUint32()
	default:
		return ds, fmt.Errorf("%w: unsupported dtype %q", ErrFormat, ent.Dtype)
	}
	if err != nil {
		return ds, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	return ds, ds.check()
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readJSON(f *zip.File, v interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}
