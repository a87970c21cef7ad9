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

// vcachemon displays live cache server state: entry counts, method call
// rates and weed progress, refreshed on an interval.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/client"
)

var (
	addr     = flag.String("cache", "localhost:21763", "Cache server address:port")
	interval = flag.Duration("interval", time.Second, "Refresh interval")
)

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := client.Dial(ctx, *addr)
	if err != nil {
		klog.Exitf("Failed to connect: %v", err)
	}
	defer pool.Close()
	dbg := client.NewDebug(pool)

	id, err := dbg.GetCacheId(ctx)
	if err != nil {
		klog.Exitf("GetCacheId: %v", err)
	}

	idView := tview.NewTextView()
	idView.SetText(id.String())
	stateView := tview.NewTextView()
	helpView := tview.NewTextView()
	helpView.SetText("q to quit")

	grid := tview.NewGrid()
	grid.SetRows(3, 0, 3).SetColumns(0).SetBorders(true)
	grid.AddItem(idView, 0, 0, 1, 1, 0, 0, false)
	grid.AddItem(stateView, 1, 0, 1, 1, 0, 0, false)
	grid.AddItem(helpView, 2, 0, 1, 1, 0, 0, false)

	app := tview.NewApplication()
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		// Rates are averaged over the refreshes of the last 30 seconds.
		maSlots := int((30 * time.Second) / *interval)
		if maSlots < 1 {
			maSlots = 1
		}
		fvRate := movingaverage.New(maSlots)
		lkRate := movingaverage.New(maSlots)
		addRate := movingaverage.New(maSlots)

		var prev vcache.CacheState
		havePrev := false
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			st, err := dbg.GetCacheState(ctx)
			if err != nil {
				app.QueueUpdateDraw(func() {
					stateView.SetText(fmt.Sprintf("GetCacheState: %v", err))
				})
				continue
			}
			if havePrev {
				secs := interval.Seconds()
				fvRate.Add(float64(st.Cnt.FreeVars-prev.Cnt.FreeVars) / secs)
				lkRate.Add(float64(st.Cnt.Lookup-prev.Cnt.Lookup) / secs)
				addRate.Add(float64(st.Cnt.AddEntry-prev.Cnt.AddEntry) / secs)
			}
			prev, havePrev = st, true

			text := fmt.Sprintf(
				"entries:     %d total, %d new (%s), %d old in memory (%s)\n"+
					"volatile:    %d MultiPKFiles, %d PKFiles\n"+
					"rates:       FreeVariables %.1f/s  Lookup %.1f/s  AddEntry %.1f/s\n"+
					"calls:       FreeVariables %d  Lookup %d  AddEntry %d\n"+
					"weeding:     hitFilter %d, pending deletion %d, MultiPKFiles left %d\n"+
					"memory:      %s virtual, %s heap",
				st.EntryCnt, st.S.NewEntryCnt, fmtBytes(st.S.NewPklSize),
				st.S.OldEntryCnt, fmtBytes(st.S.OldPklSize),
				st.VMPKCnt, st.VPKCnt,
				fvRate.Avg(), lkRate.Avg(), addRate.Avg(),
				st.Cnt.FreeVars, st.Cnt.Lookup, st.Cnt.AddEntry,
				st.HitFilterCnt, st.DelEntryCnt, st.MPKWeedCnt,
				fmtBytes(st.VirtualSize), fmtBytes(st.PhysicalSize))
			app.QueueUpdateDraw(func() {
				stateView.SetText(text)
			})
		}
	}()

	if err := app.SetRoot(grid, true).Run(); err != nil {
		klog.Exitf("TUI: %v", err)
	}
}

func fmtBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
