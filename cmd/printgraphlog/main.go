// Copyright 2025 The Vesta authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// printgraphlog reads a graph log directory and prints its node and root
// records, plus a count summary.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/graphlog"
)

var from = flag.Uint32("from", 0, "First log generation to read")

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--from N] <graphLog-dir>\n", os.Args[0])
		os.Exit(2)
	}

	nodes, roots := 0, 0
	err := graphlog.Read(flag.Arg(0), *from, func(e graphlog.Entry) error {
		switch e := e.(type) {
		case *graphlog.Node:
			nodes++
			fmt.Printf("node: ci %d pk %v model %d kids %v refs %v %s\n",
				e.CI, e.PK, e.Model, e.Kids, e.Refs, e.TS.Format("2006-01-02 15:04:05"))
		case *graphlog.Root:
			roots++
			fmt.Printf("root: pkgVersion %v model %d done %v cis %v %s\n",
				e.PkgVersion, e.Model, e.Done, e.CIs, e.TS.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
	if err != nil {
		klog.Exitf("Failed to read graph log: %v", err)
	}
	fmt.Printf("%d nodes, %d roots\n", nodes, roots)
}
