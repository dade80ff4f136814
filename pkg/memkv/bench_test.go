package memkv

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
)

func BenchmarkSetGetParallel(b *testing.B) {
	s := New(Options{})
	defer s.Close()
	val := make([]byte, 512)
	var cnt atomic.Uint64
	b.ReportAllocs()
	b.SetBytes(int64(len(val)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := cnt.Add(1)
			s.Set(fmt.Sprintf("event:%016x", id), val, 0)
			// read back one of the last few events, like a relay answering a REQ
			if rid := id - 1 - uint64(rand.IntN(8)); rid > 0 && rid < id {
				s.Get(fmt.Sprintf("event:%016x", rid))
			}
		}
	})
}

func BenchmarkScanPrefix(b *testing.B) {
	s := New(Options{})
	defer s.Close()
	for i := 0; i < 10000; i++ {
		s.Set(fmt.Sprintf("job:%05d", i), []byte("{}"), 0)
		s.Set(fmt.Sprintf("event:%05d", i), []byte("{}"), 0)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := 0
		s.Scan("job:", func(string, []byte) bool { n++; return true })
		if n != 10000 {
			b.Fatalf("scan saw %d", n)
		}
	}
}
