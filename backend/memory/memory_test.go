package memory

import (
	"context"
	"testing"

	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/backend"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
)

func rootFH(t *testing.T, f *FS) fh.Handle {
	t.Helper()
	var got fh.Handle
	f.GetRootFH(context.Background(), func(r backend.LookupResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("GetRootFH failed: %v", r.Err)
		}
		got = r.FH
	})
	return got
}

func mkfile(t *testing.T, f *FS, parent fh.Handle, name string, mode uint32) fh.Handle {
	t.Helper()
	var got fh.Handle
	f.Create(context.Background(), parent, name, mode, true, backend.Credential{}, func(r backend.OpenResult, h fh.Handle) {
		if r.Err != vfserr.OK {
			t.Fatalf("Create failed: %v", r.Err)
		}
		got = h
	})
	return got
}

func TestLookupMissReturnsENOENT(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)

	f.Lookup(context.Background(), root, "nope", backend.Credential{}, func(r backend.LookupResult) {
		if r.Err != vfserr.ENOENT {
			t.Fatalf("expected ENOENT, got %v", r.Err)
		}
	})
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	child := mkfile(t, f, root, "greeting", 0644)

	payload := []byte("hello, vfscore")
	f.Write(context.Background(), child, 0, 0, payload, func(r backend.WriteResult) {
		if r.Err != vfserr.OK || r.Written != uint32(len(payload)) {
			t.Fatalf("write failed: %+v", r)
		}
	})

	f.Read(context.Background(), child, 0, 0, 4096, func(r backend.DataResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("read failed: %v", r.Err)
		}
		if string(r.Data) != string(payload) {
			t.Fatalf("expected %q, got %q", payload, r.Data)
		}
		if !r.EOF {
			t.Fatalf("expected EOF once the read reaches file size")
		}
	})
}

func TestHoleyFileReadsZerosInTheGap(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	child := mkfile(t, f, root, "holey", 0644)

	f.Write(context.Background(), child, 0, 0, []byte("abcd"), func(backend.WriteResult) {})
	f.Write(context.Background(), child, 0, 100, []byte("wxyz"), func(backend.WriteResult) {})

	f.Read(context.Background(), child, 0, 0, 104, func(r backend.DataResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("read failed: %v", r.Err)
		}
		if len(r.Data) != 104 {
			t.Fatalf("expected 104 bytes, got %d", len(r.Data))
		}
		for i := 4; i < 100; i++ {
			if r.Data[i] != 0 {
				t.Fatalf("expected zero-filled hole at offset %d, got %d", i, r.Data[i])
			}
		}
		if string(r.Data[100:104]) != "wxyz" {
			t.Fatalf("expected trailing run to survive the hole")
		}
	})
}

func TestSetattrGetattrModeRoundTrip(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	child := mkfile(t, f, root, "chmod-me", 0)

	f.Setattr(context.Background(), child, attrs.Attrs{SetMask: attrs.MaskMode, Mode: 0666}, backend.Credential{}, func(r backend.AttrResult) {
		if r.Err != vfserr.OK || r.Attrs.Mode != 0666 {
			t.Fatalf("expected mode 0666, got %+v", r)
		}
	})

	f.Getattr(context.Background(), child, attrs.MaskStat, backend.Credential{}, func(r backend.AttrResult) {
		if r.Attrs.Mode != 0666 {
			t.Fatalf("expected getattr to see the new mode, got %o", r.Attrs.Mode)
		}
	})
}

func TestRenameAtMovesEntryAndBack(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	child := mkfile(t, f, root, "src", 0644)

	var renamedFH fh.Handle
	f.RenameAt(context.Background(), root, "src", root, "dst", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("rename failed: %v", r.Err)
		}
		renamedFH = r.FH
	})
	if !renamedFH.Equal(child) {
		t.Fatalf("rename must preserve the fh identity")
	}

	f.Lookup(context.Background(), root, "src", backend.Credential{}, func(r backend.LookupResult) {
		if r.Err != vfserr.ENOENT {
			t.Fatalf("old name must no longer resolve")
		}
	})
	f.Lookup(context.Background(), root, "dst", backend.Credential{}, func(r backend.LookupResult) {
		if r.Err != vfserr.OK || !r.FH.Equal(child) {
			t.Fatalf("new name must resolve to the moved child")
		}
	})

	f.RenameAt(context.Background(), root, "dst", root, "src", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("rename back failed: %v", r.Err)
		}
	})
	f.Lookup(context.Background(), root, "src", backend.Credential{}, func(r backend.LookupResult) {
		if r.Err != vfserr.OK || !r.FH.Equal(child) {
			t.Fatalf("rename-and-back must restore the original name")
		}
	})
}

func TestRemoveOfOpenFileDeferssDeletionUntilClose(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	// Create leaves the new file open (one reference), matching OpenAt's
	// create-on-open semantics; no separate Open call is needed here.
	child := mkfile(t, f, root, "victim", 0644)

	f.Remove(context.Background(), root, "victim", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("remove failed: %v", r.Err)
		}
	})

	// The inode must still answer getattr/read while a reference is open.
	f.Getattr(context.Background(), child, attrs.MaskStat, backend.Credential{}, func(r backend.AttrResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("expected the unlinked-but-open inode to still be reachable, got %v", r.Err)
		}
	})

	f.Close(context.Background(), child, 0, func(err vfserr.Error) {
		if err != vfserr.OK {
			t.Fatalf("close failed: %v", err)
		}
	})

	f.Getattr(context.Background(), child, attrs.MaskStat, backend.Credential{}, func(r backend.AttrResult) {
		if r.Err != vfserr.ESTALE {
			t.Fatalf("expected ESTALE once the last reference to an unlinked inode closes, got %v", r.Err)
		}
	})
}

func TestMkdirRmdirRejectsNonEmpty(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)

	var dirFH fh.Handle
	f.Mkdir(context.Background(), root, "subdir", 0755, backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("mkdir failed: %v", r.Err)
		}
		dirFH = r.FH
	})

	mkfile(t, f, dirFH, "inner", 0644)

	f.Rmdir(context.Background(), root, "subdir", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.ENOTEMPTY {
			t.Fatalf("expected ENOTEMPTY for a non-empty directory, got %v", r.Err)
		}
	})

	f.Remove(context.Background(), dirFH, "inner", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("remove failed: %v", r.Err)
		}
	})
	f.Rmdir(context.Background(), root, "subdir", backend.Credential{}, func(r backend.MutateResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("expected rmdir to succeed once empty, got %v", r.Err)
		}
	})
}

func TestReaddirPagesDeterministically(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)

	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		mkfile(t, f, root, n, 0644)
	}

	var seen []string
	cookie := uint64(0)
	for {
		done := false
		f.Readdir(context.Background(), root, cookie, 2, backend.Credential{}, func(r backend.ReaddirResult) {
			if r.Err != vfserr.OK {
				t.Fatalf("readdir failed: %v", r.Err)
			}
			for _, e := range r.Entries {
				seen = append(seen, e.Name)
			}
			cookie = r.Cookie
			done = r.EOF
		})
		if done {
			break
		}
	}
	if len(seen) != len(names) {
		t.Fatalf("expected to see all %d entries across pages, got %d: %v", len(names), len(seen), seen)
	}
}

func TestCreateExclusiveRaceSecondCreatorLoses(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)

	// Models O_CREAT|O_EXCL: the first Create wins the name, the second
	// must observe EEXIST without disturbing the winner.
	first := mkfile(t, f, root, "exclusive", 0644)

	f.Create(context.Background(), root, "exclusive", 0644, true, backend.Credential{}, func(r backend.OpenResult, h fh.Handle) {
		if r.Err != vfserr.EEXIST {
			t.Fatalf("expected EEXIST for the exclusive-create race loser, got %v", r.Err)
		}
	})

	f.Lookup(context.Background(), root, "exclusive", backend.Credential{}, func(r backend.LookupResult) {
		if !r.FH.Equal(first) {
			t.Fatalf("expected the first creator's file to own the name")
		}
	})
}

func TestStatfsReportsFileCount(t *testing.T) {
	f := New([16]byte{1})
	root := rootFH(t, f)
	mkfile(t, f, root, "one", 0644)

	f.Statfs(context.Background(), root, func(r backend.StatfsResult) {
		if r.Err != vfserr.OK {
			t.Fatalf("statfs failed: %v", r.Err)
		}
		if r.TotalBytes == 0 || r.TotalFiles == 0 {
			t.Fatalf("expected non-zero capacity figures, got %+v", r)
		}
	})
}
