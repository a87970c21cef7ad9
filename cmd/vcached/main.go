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

// vcached runs the function-call cache server. Evaluators connect to look
// up and add entries; the weeder connects to reclaim space while the
// server keeps serving.
package main

import (
	"context"
	goflag "flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/server"
)

var (
	configFile = flag.String("config", "", "Path to the YAML configuration file; flags below override it")
	listen     = flag.String("listen", "", "Address:port to listen on, overriding the config")
	metaRoot   = flag.String("metadata_root", "", "Base directory for all stable cache state, overriding the config")
)

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg server.Config
	if *configFile != "" {
		var err error
		if cfg, err = server.LoadConfig(*configFile); err != nil {
			klog.Exitf("Failed to load config: %v", err)
		}
	}
	if *listen != "" {
		host, port, err := net.SplitHostPort(*listen)
		if err != nil {
			klog.Exitf("Bad --listen address %q: %v", *listen, err)
		}
		cfg.Host, cfg.Port = host, port
	}
	if *metaRoot != "" {
		cfg.MetaDataRoot = *metaRoot
	}

	shutdownOTel := initOTel(ctx)
	defer shutdownOTel(ctx)

	s, err := server.New(ctx, cfg)
	if err != nil {
		klog.Exitf("Failed to start cache server: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Errorf("Shutdown: %v", err)
		}
	}()

	l, err := net.Listen("tcp", s.CacheId().Host+":"+s.CacheId().Port)
	if err != nil {
		klog.Exitf("Failed to listen: %v", err)
	}
	klog.Infof("Cache server listening on %s", l.Addr())
	if err := s.Serve(ctx, l); err != nil {
		klog.Exitf("Serve: %v", err)
	}
}
