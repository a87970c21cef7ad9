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

// printcachelog replays a cache log directory and prints every entry
// record, one line per entry.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/server"
	"github.com/vesta-dev/vcache/vlog"
)

var verbose = flag.BoolP("verbose", "v", false, "Also print each entry's value size and source function")

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] <cacheLog-dir>\n", os.Args[0])
		os.Exit(2)
	}

	n := 0
	err := vlog.Replay(flag.Arg(0), nil, func(gen uint32, rec []byte) error {
		r, err := server.DecodeCacheLogRecord(rec)
		if err != nil {
			return err
		}
		n++
		fmt.Printf("gen %d: ci %d pk %v names %v fps %d kids %v\n",
			gen, r.CI, r.PK, r.Names, len(r.FPs), r.Kids)
		if *verbose {
			fmt.Printf("        value %d bytes, model %d, sourceFunc %q\n",
				len(r.Value), r.Model, r.SourceFunc)
		}
		return nil
	})
	if err != nil {
		klog.Exitf("Failed to read cache log: %v", err)
	}
	fmt.Printf("%d entries\n", n)
}
