// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scopeloom

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/arvados/scopeloom/loomz"
)

type datasetInfo struct {
	Name   string
	Dtype  string
	Shape  []int
	Fields int `json:",omitempty"`
}

type containerInfo struct {
	Matrix   datasetInfo
	RowAttrs []datasetInfo
	ColAttrs []datasetInfo
	Attrs    map[string]interface{}
}

// loomInfo reads a container (verifying checksums) and prints its
// layout and global attributes as JSON.
type loomInfo struct{}

func (cmd *loomInfo) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), false, stderr)
}

func (cmd *loomInfo) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if *inputFilename == "" && flags.NArg() == 1 {
		*inputFilename = flags.Arg(0)
	} else if *inputFilename == "" || flags.NArg() > 0 {
		fmt.Fprintln(stderr, "usage: loom-info [-i] file.loom")
		return errUsage
	}
	c, err := readContainer(*inputFilename)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(describeContainer(c))
}

func describeContainer(c *loomz.Container) containerInfo {
	info := containerInfo{
		Matrix: describeDataset("matrix", c.Matrix),
		Attrs:  c.Attrs,
	}
	for _, axis := range []struct {
		attrs map[string]loomz.Dataset
		dst   *[]datasetInfo
	}{
		{c.RowAttrs, &info.RowAttrs},
		{c.ColAttrs, &info.ColAttrs},
	} {
		names := make([]string, 0, len(axis.attrs))
		for name := range axis.attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			*axis.dst = append(*axis.dst, describeDataset(name, axis.attrs[name]))
		}
	}
	return info
}

func describeDataset(name string, ds loomz.Dataset) datasetInfo {
	return datasetInfo{
		Name:   name,
		Dtype:  ds.Dtype(),
		Shape:  ds.Shape,
		Fields: len(ds.Fields),
	}
}
