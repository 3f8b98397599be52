package route

import "testing"

func mask(bits int) [4]byte {
	var m [4]byte
	for i := 0; i < bits; i++ {
		m[i/8] |= 1 << (7 - uint(i%8))
	}
	return m
}

func TestResolveLongestPrefix(t *testing.T) {
	table := NewTable([]Route{
		{Dest: [4]byte{10, 0, 0, 0}, Mask: mask(8), IfaceName: "eth-wide"},
		{Dest: [4]byte{10, 0, 1, 0}, Mask: mask(24), IfaceName: "eth1"},
		{Dest: [4]byte{10, 0, 1, 0}, Mask: mask(24), IfaceName: "eth1-dup"},
	})
	ifaceName, ok := table.Resolve([4]byte{10, 0, 1, 5})
	if !ok || ifaceName != "eth1" {
		t.Fatalf("want eth1 (longest prefix, first on tie), got %q, %v", ifaceName, ok)
	}
	ifaceName, ok = table.Resolve([4]byte{10, 0, 2, 5})
	if !ok || ifaceName != "eth-wide" {
		t.Fatalf("want eth-wide, got %q, %v", ifaceName, ok)
	}
}

func TestResolveNoMatch(t *testing.T) {
	table := NewTable([]Route{
		{Dest: [4]byte{10, 0, 1, 0}, Mask: mask(24), IfaceName: "eth1"},
	})
	_, ok := table.Resolve([4]byte{192, 168, 77, 7})
	if ok {
		t.Fatal("expected no match for unrelated network")
	}
}
