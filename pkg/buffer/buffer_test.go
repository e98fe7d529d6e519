package buffer_test

import (
	"io"
	"testing"

	"github.com/driftcode/devproxy/pkg/buffer"
)

func TestBufferMemoryLimit(t *testing.T) {
	// Small limit forces the second write to spill to disk.
	buf := buffer.New(10)
	defer buf.Close()

	data1 := []byte("small")
	if _, err := buf.Write(data1); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if buf.IsSpilled() {
		t.Fatalf("expected data in memory")
	}
	if buf.Bytes() == nil {
		t.Fatalf("expected data in memory")
	}

	data2 := []byte("this is much larger data that exceeds the limit")
	if _, err := buf.Write(data2); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill to disk")
	}
	if buf.Path() == "" {
		t.Fatalf("expected temp file path")
	}
	if buf.Bytes() != nil {
		t.Fatalf("expected no data in memory after spill")
	}

	totalSize := int64(len(data1) + len(data2))
	if buf.Size() != totalSize {
		t.Fatalf("expected size %d, got %d", totalSize, buf.Size())
	}
}

func TestBufferReader(t *testing.T) {
	buf := buffer.New(1024)
	defer buf.Close()

	testData := []byte("test data for reader")
	if _, err := buf.Write(testData); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer reader.Close()

	readData, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readData) != string(testData) {
		t.Fatalf("data mismatch: expected %s, got %s", testData, readData)
	}
}

func TestBufferReset(t *testing.T) {
	buf := buffer.New(10)
	defer buf.Close()

	data := []byte("this will spill to disk because it's too large")
	if _, err := buf.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill")
	}

	if err := buf.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if buf.Size() != 0 {
		t.Fatalf("expected size 0 after reset, got %d", buf.Size())
	}
	if buf.IsSpilled() {
		t.Fatalf("expected no spill after reset")
	}
}

func TestBufferClosedWriteFails(t *testing.T) {
	buf := buffer.New(1024)
	if err := buf.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := buf.Write([]byte("x")); err == nil {
		t.Fatalf("expected write to a closed buffer to fail")
	}
}
