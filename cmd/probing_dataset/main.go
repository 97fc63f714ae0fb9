// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// probing_dataset prints information about a dataset of recordings saved by the collect package.
//
// Usage:
//
//	probing_dataset [-summary] [-paths] [-sample=<index>] [-describe=<path>] <dataset_dir>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/probing/pkg/ml/collect"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagSummary  = flag.Bool("summary", true, "Display a summary of the dataset manifest.")
	flagPaths    = flag.Bool("paths", false, "List the recorded paths, with the per-sample shape of each recorded tensor.")
	flagSample   = flag.Int("sample", -1, "If >= 0, print the recordings of the sample with this index.")
	flagDescribe = flag.String("describe", "", "Print statistics of the recording at the given path. "+
		"The recording must be a single tensor of rank 1 or 2 per batch.")
	flagNoColor = flag.Bool("no_color", false, "Disable colors and styles in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing dataset directory to read from. See 'probing_dataset -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'probing_dataset -help'.")
		os.Exit(1)
	}
	if *flagNoColor || termenv.NewOutput(os.Stdout).Profile == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	report(args[0])
}

func report(datasetPath string) {
	ds := must.M1(collect.Open(datasetPath))

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable()
		for _, row := range summaryRows(ds) {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}

	if *flagPaths {
		fmt.Println(titleStyle.Render("Recorded paths"))
		table := newPlainTable().Headers("Path", "Element", "Shape", "Bytes per sample")
		for _, row := range must.M1(pathRows(ds)) {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}

	if *flagSample >= 0 {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Sample #%s", humanize.Comma(int64(*flagSample)))))
		sample := must.M1(ds.Sample(*flagSample))
		for path, value := range sample.Outputs.All() {
			fmt.Printf("%q: %s\n", path, value)
		}
	}

	if *flagDescribe != "" {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Statistics of %q", *flagDescribe)))
		df := must.M1(ds.DataFrame(*flagDescribe))
		fmt.Println(df.Describe())
	}
}
