package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSplit(t *testing.T) {
	testCases := []struct {
		name       string
		size       int
		wantChunks int
		lastSize   int
	}{
		{"empty", 0, 0, 0},
		{"single byte", 1, 1, 1},
		{"exact chunk size", Size, 1, Size},
		{"two chunks", Size + 1, 2, 1},
		{"many chunks", Size*4 + 100, 5, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i)
			}

			chunks := Split(data, 12345)
			if len(chunks) != tc.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tc.wantChunks)
			}
			if tc.wantChunks == 0 {
				return
			}

			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				if c.Total != tc.wantChunks {
					t.Errorf("chunk %d has total %d, want %d", i, c.Total, tc.wantChunks)
				}
				if c.Expiration != 12345 {
					t.Errorf("chunk %d has expiration %d, want 12345", i, c.Expiration)
				}
				if i < len(chunks)-1 && len(c.Bytes) != Size {
					t.Errorf("non-last chunk %d has size %d, want %d", i, len(c.Bytes), Size)
				}
			}

			last := chunks[len(chunks)-1]
			if len(last.Bytes) != tc.lastSize {
				t.Errorf("last chunk size = %d, want %d", len(last.Bytes), tc.lastSize)
			}
			if len(last.Bytes) < 1 || len(last.Bytes) > Size {
				t.Errorf("last chunk size %d out of bounds", len(last.Bytes))
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, Size*3+777)
	r.Read(data)

	hash := FileHash(data)
	chunks := Split(data, 999)

	assembled, err := VerifyAndAssemble(chunks, hash)
	if err != nil {
		t.Fatalf("VerifyAndAssemble failed: %v", err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled data does not match original")
	}
}

func TestVerifyAndAssemble_WrongFileHash(t *testing.T) {
	data := []byte("hello world")
	chunks := Split(data, 0)

	_, err := VerifyAndAssemble(chunks, FileHash([]byte("different")))
	if _, ok := err.(*IntegrityFailed); !ok {
		t.Fatalf("expected *IntegrityFailed, got %v", err)
	}
}

func TestVerifyAndAssemble_TamperedChunk(t *testing.T) {
	data := make([]byte, Size+10)
	chunks := Split(data, 0)
	hash := FileHash(data)

	chunks[0].Bytes[0] ^= 0xFF // corrupt bytes without updating ChunkHash

	_, err := VerifyAndAssemble(chunks, hash)
	if _, ok := err.(*IntegrityFailed); !ok {
		t.Fatalf("expected *IntegrityFailed, got %v", err)
	}
}

func TestVerifyAndAssemble_RepeatedIndex(t *testing.T) {
	data := make([]byte, Size*2)
	chunks := Split(data, 0)
	hash := FileHash(data)

	chunks[1].Index = 0

	_, err := VerifyAndAssemble(chunks, hash)
	if _, ok := err.(*IntegrityFailed); !ok {
		t.Fatalf("expected *IntegrityFailed, got %v", err)
	}
}

func TestVerifyAndAssemble_OutOfOrder(t *testing.T) {
	data := make([]byte, Size*3+5)
	r := rand.New(rand.NewSource(7))
	r.Read(data)
	hash := FileHash(data)

	chunks := Split(data, 0)
	// shuffle
	chunks[0], chunks[2] = chunks[2], chunks[0]

	assembled, err := VerifyAndAssemble(chunks, hash)
	if err != nil {
		t.Fatalf("VerifyAndAssemble failed on shuffled input: %v", err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled data does not match original after shuffle")
	}
}

func FuzzSplitVerifyAndAssemble(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("a"))
	f.Add(make([]byte, Size))
	f.Add(make([]byte, Size+1))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) == 0 {
			if len(Split(data, 0)) != 0 {
				t.Fatal("Split of empty input must be empty")
			}
			return
		}

		hash := FileHash(data)
		chunks := Split(data, 0)
		assembled, err := VerifyAndAssemble(chunks, hash)
		if err != nil {
			t.Fatalf("round trip failed: %v", err)
		}
		if !bytes.Equal(assembled, data) {
			t.Fatal("round trip produced different bytes")
		}
	})
}
