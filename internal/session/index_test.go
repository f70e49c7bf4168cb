package session

import "testing"

func TestIndexInsertLookupRemove(t *testing.T) {
	idx := NewIndex()
	cid := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	s := &Session{cid: cid}

	if got := idx.Lookup(cid); got != nil {
		t.Fatalf("Lookup before Insert = %v, want nil", got)
	}
	idx.Insert(s)
	if got := idx.Lookup(cid); got != s {
		t.Fatalf("Lookup after Insert = %v, want %v", got, s)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}
	idx.Remove(cid)
	if got := idx.Lookup(cid); got != nil {
		t.Fatalf("Lookup after Remove = %v, want nil", got)
	}
	if idx.Len() != 0 {
		t.Fatalf("Len after Remove = %d, want 0", idx.Len())
	}
}

func TestIndexCIDsEnumeratesAllShards(t *testing.T) {
	idx := NewIndex()
	want := map[[8]byte]bool{}
	for i := 0; i < 200; i++ {
		cid := [8]byte{byte(i), byte(i >> 8), 0xaa, 0xbb, 0xcc, 0xdd, 0xee, byte(i * 7)}
		idx.Insert(&Session{cid: cid})
		want[cid] = true
	}
	got := idx.CIDs()
	if len(got) != len(want) {
		t.Fatalf("CIDs returned %d entries, want %d", len(got), len(want))
	}
	for _, cid := range got {
		if !want[cid] {
			t.Fatalf("CIDs returned unexpected cid %x", cid)
		}
	}
}

func TestIndexLenAcrossManySessions(t *testing.T) {
	idx := NewIndex()
	for i := 0; i < 128; i++ {
		var cid [8]byte
		cid[0] = byte(i)
		cid[1] = byte(i >> 8)
		idx.Insert(&Session{cid: cid})
	}
	if idx.Len() != 128 {
		t.Fatalf("Len = %d, want 128", idx.Len())
	}
}
