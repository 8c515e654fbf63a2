// Command vfscore-bench is a smoke/micro-benchmark CLI for the vfscore
// dispatch core, modeled on cmd/arena-cache-inspect's flag/JSON-or-pretty
// reporting shape and on tools/dataset_gen's standalone-flag-program
// structure. Where arena-cache-inspect polls a remote process's HTTP debug
// endpoint for a Prometheus-fed snapshot, this tool drives the core
// in-process against backend/memory and gathers the same counters directly
// off a local *prometheus.Registry passed to vfscore.New via WithMetrics.
//
// Usage:
//
//	go run ./cmd/vfscore-bench -n 10000 -workers 4
//	go run ./cmd/vfscore-bench -n 10000 -json
//
// © 2025 vfscore authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chimera-go/vfscore/backend/memory"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/opencache"
	"github.com/chimera-go/vfscore/request"
	"github.com/chimera-go/vfscore/vfscore"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type report struct {
	Files        int           `json:"files"`
	Workers      int           `json:"workers"`
	BytesPerFile int           `json:"bytes_per_file"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	FilesPerSec  float64       `json:"files_per_sec"`
	AttrCacheIns float64       `json:"attr_cache_inserts_total"`
	NameCacheIns float64       `json:"name_cache_inserts_total"`
	OpenCacheIns float64       `json:"open_file_cache_inserts_total"`
}

func main() {
	var (
		n       = flag.Int("n", 10_000, "number of files to create, write, and read back")
		workers = flag.Int("workers", 4, "number of concurrent Worker goroutines")
		size    = flag.Int("size", 4096, "payload size per file in bytes")
		asJSON  = flag.Bool("json", false, "print the report as JSON instead of text")
	)
	flag.Parse()

	rep := run(*n, *workers, *size)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fatal(err)
		}
		return
	}
	prettyPrint(rep)
}

func run(n, workers, size int) report {
	reg := prometheus.NewRegistry()
	vc := vfscore.New(vfscore.WithMetrics(reg))
	fs := memory.New([16]byte{1})
	vc.RegisterBackend(fs)

	root := syncRootFH(vc)
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			wk := vc.NewWorker(id)
			for i := range jobs {
				driveOneFile(wk, root, "bench-"+strconv.Itoa(int(id))+"-"+strconv.Itoa(i), payload)
			}
		}(uint64(w))
	}
	wg.Wait()
	elapsed := time.Since(start)

	return report{
		Files:        n,
		Workers:      workers,
		BytesPerFile: size,
		Elapsed:      elapsed,
		FilesPerSec:  float64(n) / elapsed.Seconds(),
		AttrCacheIns: sumCounter(reg, "vfscore_attr_cache_inserts_total"),
		NameCacheIns: sumCounter(reg, "vfscore_name_cache_inserts_total"),
		OpenCacheIns: sumCounter(reg, "vfscore_open_cache_inserts_total"),
	}
}

// syncRootFH mints a throwaway worker purely to resolve the mount's root
// FH before the benchmark's real workers start fanning out.
func syncRootFH(vc *vfscore.Context) fh.Handle {
	wk := vc.NewWorker(0)
	req := wk.Get(request.OpGetRootFH)
	req.Args = &request.GetRootFHArgs{}
	done := make(chan fh.Handle, 1)
	req.Callback = func(r *request.Request) { done <- r.Result.FH }
	wk.Submit(context.Background(), req)
	return <-done
}

func driveOneFile(wk *vfscore.Worker, root fh.Handle, name string, payload []byte) {
	ctx := context.Background()

	open := wk.Get(request.OpOpenAt)
	open.Args = &request.OpenAtArgs{Parent: root, Name: name, OpenFlags: vfscore.FlagCreate | vfscore.FlagWrite, Exclusive: true}
	opened := make(chan struct{})
	var target fh.Handle
	var handle *opencache.Handle
	open.Callback = func(r *request.Request) { target = r.Result.FH; handle = r.Result.Handle; close(opened) }
	wk.Submit(ctx, open)
	<-opened

	write := wk.Get(request.OpWrite)
	write.Args = &request.WriteArgs{FH: target, Offset: 0, Data: payload}
	wrote := make(chan struct{})
	write.Callback = func(*request.Request) { close(wrote) }
	wk.Submit(ctx, write)
	<-wrote

	read := wk.Get(request.OpRead)
	read.Args = &request.ReadArgs{FH: target, Offset: 0, Length: uint32(len(payload))}
	done := make(chan struct{})
	read.Callback = func(r *request.Request) {
		if r.Status != vfserr.OK {
			fmt.Fprintln(os.Stderr, "vfscore-bench: read failed:", r.Status)
		}
		close(done)
	}
	wk.Submit(ctx, read)
	<-done

	close2 := wk.Get(request.OpClose)
	close2.PendingHandle = handle
	closedDone := make(chan struct{})
	close2.Callback = func(*request.Request) { close(closedDone) }
	wk.Submit(ctx, close2)
	<-closedDone
}

// sumCounter gathers every labeled series of a CounterVec metric from reg
// and returns their total, mirroring the total-across-shards arithmetic
// arena-cache-inspect's prettyPrint does over its JSON snapshot fields.
func sumCounter(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += metricValue(m)
		}
	}
	return total
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return 0
}

func prettyPrint(r report) {
	fmt.Printf("files:            %d\n", r.Files)
	fmt.Printf("workers:          %d\n", r.Workers)
	fmt.Printf("bytes/file:       %d\n", r.BytesPerFile)
	fmt.Printf("elapsed:          %s\n", r.Elapsed)
	fmt.Printf("files/sec:        %.1f\n", r.FilesPerSec)
	fmt.Printf("attr cache inserts:  %.0f\n", r.AttrCacheIns)
	fmt.Printf("name cache inserts:  %.0f\n", r.NameCacheIns)
	fmt.Printf("open cache inserts:  %.0f\n", r.OpenCacheIns)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "vfscore-bench:", err)
	os.Exit(1)
}
