package vfscore_test

import (
	"context"
	"testing"

	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/backend/memory"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/request"
	"github.com/chimera-go/vfscore/vfscore"
)

// newHarness builds a Context with one memory backend registered and one
// worker, returning the worker and the mount's root FH.
func newHarness(t *testing.T) (*vfscore.Worker, fh.Handle) {
	t.Helper()
	ctx := vfscore.New()
	fs := memory.New([16]byte{1})
	ctx.RegisterBackend(fs)
	wk := ctx.NewWorker(0)

	root := fh.Handle{}
	req := wk.Get(request.OpGetRootFH)
	req.Args = &request.GetRootFHArgs{}
	done := make(chan struct{})
	req.Callback = func(r *request.Request) {
		if r.Status != vfserr.OK {
			t.Fatalf("GetRootFH failed: %v", r.Status)
		}
		root = r.Result.FH
		close(done)
	}
	wk.Submit(context.Background(), req)
	<-done
	return wk, root
}

func submit(t *testing.T, wk *vfscore.Worker, req *request.Request) *request.Request {
	t.Helper()
	done := make(chan struct{})
	cb := req.Callback
	req.Callback = func(r *request.Request) {
		if cb != nil {
			cb(r)
		}
		close(done)
	}
	wk.Submit(context.Background(), req)
	<-done
	return req
}

func openCreate(t *testing.T, wk *vfscore.Worker, parent fh.Handle, name string) *request.Request {
	t.Helper()
	req := wk.Get(request.OpOpenAt)
	req.Args = &request.OpenAtArgs{Parent: parent, Name: name, OpenFlags: vfscore.FlagCreate | vfscore.FlagWrite, Exclusive: true}
	return submit(t, wk, req)
}

// TestBigFileWriteReadRoundTrip drives a 1,048,576-byte file through
// 8,192-byte buffered writes and reads, b[i] = i%256, per spec.md §8.1.
func TestBigFileWriteReadRoundTrip(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "bigfile")
	target := open.Result.FH

	const total = 1048576
	const bufSize = 8192
	buf := make([]byte, bufSize)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	for off := 0; off < total; off += bufSize {
		wreq := wk.Get(request.OpWrite)
		wreq.Args = &request.WriteArgs{FH: target, Offset: uint64(off), Data: buf}
		submit(t, wk, wreq)
	}

	var gotBytes int
	for off := 0; off < total; {
		rreq := wk.Get(request.OpRead)
		rreq.Args = &request.ReadArgs{FH: target, Offset: uint64(off), Length: bufSize}
		submit(t, wk, rreq)
		if rreq.Status != vfserr.OK {
			t.Fatalf("read at %d failed: %v", off, rreq.Status)
		}
		for i, b := range rreq.Result.Data {
			want := byte((off + i) % 256)
			if b != want {
				t.Fatalf("mismatch at offset %d: got %d want %d", off+i, b, want)
			}
		}
		off += len(rreq.Result.Data)
		gotBytes += len(rreq.Result.Data)
	}
	if gotBytes != total {
		t.Fatalf("expected to read %d bytes, got %d", total, gotBytes)
	}
}

// TestChmodRoundTrip exercises setattr(mode=0)/setattr(mode=0666) and
// confirms getattr observes each, per spec.md §8.2.
func TestChmodRoundTrip(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "chmod-target")
	target := open.Result.FH

	for _, mode := range []uint32{0, 0666} {
		sreq := wk.Get(request.OpSetattr)
		sreq.Args = &request.SetattrArgs{FH: target, Patch: attrs.Attrs{SetMask: attrs.MaskMode, Mode: mode}}
		submit(t, wk, sreq)

		greq := wk.Get(request.OpGetattr)
		greq.Args = &request.GetattrArgs{FH: target, Mask: attrs.MaskStat}
		submit(t, wk, greq)
		if greq.Result.Attrs.Mode != mode {
			t.Fatalf("expected mode %o, got %o", mode, greq.Result.Attrs.Mode)
		}
	}
}

// TestRenameAndBack moves a file away and back to its original name,
// asserting the FH identity survives both hops, per spec.md §8.3.
func TestRenameAndBack(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "original")
	original := open.Result.FH

	rreq := wk.Get(request.OpRenameAt)
	rreq.Args = &request.RenameAtArgs{OldParent: root, OldName: "original", NewParent: root, NewName: "moved"}
	submit(t, wk, rreq)

	lreq := wk.Get(request.OpLookup)
	lreq.Args = &request.LookupArgs{Parent: root, Name: "moved"}
	submit(t, wk, lreq)
	if !lreq.Result.FH.Equal(original) {
		t.Fatalf("expected the moved name to resolve to the original fh")
	}

	backReq := wk.Get(request.OpRenameAt)
	backReq.Args = &request.RenameAtArgs{OldParent: root, OldName: "moved", NewParent: root, NewName: "original"}
	submit(t, wk, backReq)

	lreq2 := wk.Get(request.OpLookup)
	lreq2.Args = &request.LookupArgs{Parent: root, Name: "original"}
	submit(t, wk, lreq2)
	if !lreq2.Result.FH.Equal(original) {
		t.Fatalf("expected rename-and-back to restore the original name")
	}
}

// TestOpenUnlinkWriteReadSurvivesTheUnlink covers the classic
// open-then-unlink-then-write-then-read pattern with a 100-byte message
// (spec.md §8.4).
func TestOpenUnlinkWriteReadSurvivesTheUnlink(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "scratch")
	target := open.Result.FH
	handle := open.Result.Handle

	rmReq := wk.Get(request.OpRemove)
	rmReq.Args = &request.RemoveArgs{Parent: root, Name: "scratch", ChildFH: target}
	submit(t, wk, rmReq)

	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte('a' + i%26)
	}
	wreq := wk.Get(request.OpWrite)
	wreq.Args = &request.WriteArgs{FH: target, Offset: 0, Data: msg}
	submit(t, wk, wreq)
	if wreq.Status != vfserr.OK {
		t.Fatalf("write after unlink failed: %v", wreq.Status)
	}

	rreq := wk.Get(request.OpRead)
	rreq.Args = &request.ReadArgs{FH: target, Offset: 0, Length: 100}
	submit(t, wk, rreq)
	if string(rreq.Result.Data) != string(msg) {
		t.Fatalf("expected the written message to survive the unlink")
	}

	closeReq := wk.Get(request.OpClose)
	closeReq.PendingHandle = handle
	submit(t, wk, closeReq)

	greq := wk.Get(request.OpGetattr)
	greq.Args = &request.GetattrArgs{FH: target, Mask: attrs.MaskStat}
	submit(t, wk, greq)
	if greq.Status != vfserr.ESTALE {
		t.Fatalf("expected ESTALE once the last reference closes, got %v", greq.Status)
	}
}

// TestCreateExclusiveRace models O_CREAT|O_EXCL: the second creator must
// see EEXIST without disturbing the winner, per spec.md §8.5.
func TestCreateExclusiveRace(t *testing.T) {
	wk, root := newHarness(t)
	first := openCreate(t, wk, root, "exclusive")

	second := wk.Get(request.OpOpenAt)
	second.Args = &request.OpenAtArgs{Parent: root, Name: "exclusive", OpenFlags: vfscore.FlagCreate, Exclusive: true}
	submit(t, wk, second)
	if second.Status != vfserr.EEXIST {
		t.Fatalf("expected EEXIST for the race loser, got %v", second.Status)
	}

	lreq := wk.Get(request.OpLookup)
	lreq.Args = &request.LookupArgs{Parent: root, Name: "exclusive"}
	submit(t, wk, lreq)
	if !lreq.Result.FH.Equal(first.Result.FH) {
		t.Fatalf("expected the first creator's file to own the name")
	}
}

// TestSillyRenameUnderLiveReference unlinks a file while a second reference
// is still open, expecting the silly-rename state machine to leave a
// .nfs<hex> directory entry behind rather than actually removing it, per
// spec.md §8.6.
func TestSillyRenameUnderLiveReference(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "victim")
	target := open.Result.FH

	// A second opener, simulating another client still referencing the file.
	openReq := wk.Get(request.OpOpenAt)
	openReq.Args = &request.OpenAtArgs{Parent: root, Name: "victim", OpenFlags: vfscore.FlagWrite}
	submit(t, wk, openReq)

	rmReq := wk.Get(request.OpRemove)
	rmReq.Args = &request.RemoveArgs{Parent: root, Name: "victim", ChildFH: target}
	submit(t, wk, rmReq)
	if rmReq.Status != vfserr.OK {
		t.Fatalf("remove of a live-referenced file should succeed via silly-rename, got %v", rmReq.Status)
	}

	lreq := wk.Get(request.OpLookup)
	lreq.Args = &request.LookupArgs{Parent: root, Name: "victim"}
	submit(t, wk, lreq)
	if lreq.Status != vfserr.ENOENT {
		t.Fatalf("the original name must no longer resolve")
	}

	sillyName := ".nfs" + target.String()
	sreq := wk.Get(request.OpLookup)
	sreq.Args = &request.LookupArgs{Parent: root, Name: sillyName}
	submit(t, wk, sreq)
	if sreq.Status != vfserr.OK || !sreq.Result.FH.Equal(target) {
		t.Fatalf("expected the silly name %q to resolve to the victim fh, got %v", sillyName, sreq.Status)
	}
}

// TestHoleyFile writes two runs separated by a gap inside a 70,000-byte
// file and confirms the gap reads back as zero, per spec.md §8.7.
func TestHoleyFile(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "holey")
	target := open.Result.FH

	run1 := make([]byte, 4321)
	for i := range run1 {
		run1[i] = byte(i%256) ^ 0x5a
	}
	run2 := make([]byte, 9012)
	for i := range run2 {
		run2[i] = byte(i % 256)
	}

	const gapEnd = 70000 - 9012

	w1 := wk.Get(request.OpWrite)
	w1.Args = &request.WriteArgs{FH: target, Offset: 0, Data: run1}
	submit(t, wk, w1)

	w2 := wk.Get(request.OpWrite)
	w2.Args = &request.WriteArgs{FH: target, Offset: gapEnd, Data: run2}
	submit(t, wk, w2)

	rreq := wk.Get(request.OpRead)
	rreq.Args = &request.ReadArgs{FH: target, Offset: 0, Length: 70000}
	submit(t, wk, rreq)
	data := rreq.Result.Data
	if len(data) != 70000 {
		t.Fatalf("expected 70000 bytes, got %d", len(data))
	}
	for i := range run1 {
		if data[i] != run1[i] {
			t.Fatalf("first run mismatch at %d", i)
		}
	}
	for i := len(run1); i < gapEnd; i++ {
		if data[i] != 0 {
			t.Fatalf("expected zero-filled hole at offset %d, got %d", i, data[i])
		}
	}
	for i, b := range run2 {
		if data[gapEnd+i] != b {
			t.Fatalf("second run mismatch at %d", i)
		}
	}
}

// TestLargeOffsetStat exercises stat/read behavior at offsets that cross
// the 32-bit boundary, per spec.md §8.8.
func TestLargeOffsetStat(t *testing.T) {
	wk, root := newHarness(t)
	open := openCreate(t, wk, root, "huge")
	target := open.Result.FH

	payload := []byte("past the 32-bit boundary")
	const offset = 0x100000000 // 4 GiB
	wreq := wk.Get(request.OpWrite)
	wreq.Args = &request.WriteArgs{FH: target, Offset: offset, Data: payload}
	submit(t, wk, wreq)
	if wreq.Status != vfserr.OK {
		t.Fatalf("write at a large offset failed: %v", wreq.Status)
	}

	greq := wk.Get(request.OpGetattr)
	greq.Args = &request.GetattrArgs{FH: target, Mask: attrs.MaskStat}
	submit(t, wk, greq)
	wantSize := uint64(offset) + uint64(len(payload))
	if greq.Result.Attrs.Size != wantSize {
		t.Fatalf("expected size %d after a write past 0x80000000, got %d", wantSize, greq.Result.Attrs.Size)
	}

	rreq := wk.Get(request.OpRead)
	rreq.Args = &request.ReadArgs{FH: target, Offset: offset, Length: uint32(len(payload))}
	submit(t, wk, rreq)
	if string(rreq.Result.Data) != string(payload) {
		t.Fatalf("expected the payload to survive a large-offset round trip")
	}
}
