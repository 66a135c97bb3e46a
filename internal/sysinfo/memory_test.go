package sysinfo

import "testing"

func TestHostMemory(t *testing.T) {
	free, err := NewHostMemory().FreeMemoryMB()
	if err != nil {
		t.Skipf("memory stats unavailable: %v", err)
	}
	if free == 0 {
		t.Error("host reports no available memory")
	}
}

func TestStaticMemory(t *testing.T) {
	free, err := StaticMemory(2048).FreeMemoryMB()
	if err != nil || free != 2048 {
		t.Fatalf("got %d, %v", free, err)
	}
}
