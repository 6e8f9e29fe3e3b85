package random

import "testing"

func TestSeqNeverZero(t *testing.T) {
	for i := 0; i < 100000; i++ {
		if Seq() == 0 {
			t.Fatal("Seq returned 0")
		}
	}
}

func TestPortRange(t *testing.T) {
	for i := 0; i < 100000; i++ {
		if p := Port(); p < 1024 {
			t.Fatalf("Port returned %d, below 1024", p)
		}
	}
}
