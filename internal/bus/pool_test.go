package bus

import "testing"

func TestBufferPoolReturnsRequestedSize(t *testing.T) {
	p := newBufferPool(256)
	buf := p.get()
	if len(buf) != 256 {
		t.Fatalf("got %d bytes, want 256", len(buf))
	}
	p.put(buf)
	buf2 := p.get()
	if len(buf2) != 256 {
		t.Fatalf("got %d bytes, want 256", len(buf2))
	}
}

func TestBufferPoolRejectsUndersizedReturn(t *testing.T) {
	p := newBufferPool(256)
	small := make([]byte, 16)
	p.put(small) // must not panic or corrupt the pool
	buf := p.get()
	if len(buf) != 256 {
		t.Fatalf("got %d bytes, want 256", len(buf))
	}
}
