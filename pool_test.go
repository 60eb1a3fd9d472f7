package regionview

import "testing"

func TestGetBuffer(t *testing.T) {
	tests := []struct {
		size    int
		wantCap int
	}{
		{1, 64 * 1024},
		{64 * 1024, 64 * 1024},
		{64*1024 + 1, 256 * 1024},
		{1024 * 1024, 1024 * 1024},
		{3 * 1024 * 1024, 4 * 1024 * 1024},
		{5 * 1024 * 1024, 5 * 1024 * 1024},
	}

	for _, tt := range tests {
		buf := GetBuffer(tt.size)
		if len(buf) != tt.size {
			t.Errorf("GetBuffer(%d): expected len %d, got %d", tt.size, tt.size, len(buf))
		}
		if cap(buf) != tt.wantCap {
			t.Errorf("GetBuffer(%d): expected cap %d, got %d", tt.size, tt.wantCap, cap(buf))
		}
		PutBuffer(buf)
	}
}

func TestPutBufferIgnoresForeignSlices(t *testing.T) {
	// Must not panic or pollute a pool with the wrong capacity.
	PutBuffer(make([]byte, 100))
	PutBuffer(nil)

	buf := GetBuffer(10)
	if cap(buf) != 64*1024 {
		t.Errorf("Expected pooled capacity, got %d", cap(buf))
	}
	PutBuffer(buf)
}
