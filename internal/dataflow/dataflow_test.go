package dataflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestStoreURI(t *testing.T) {
	s := NewStore("local", NewMemoryBackend("artifacts"))

	got := s.URI("steps.train", "model", "sr-1")
	want := "memory://local/artifacts/steps.train/model/sr-1"
	if got != want {
		t.Errorf("URI = %q, want %q", got, want)
	}
	if s.Identity() != "local=memory://local/artifacts" {
		t.Errorf("Identity = %q", s.Identity())
	}
}

func TestStoreWriteOpen(t *testing.T) {
	ctx := context.Background()
	s := NewStore("local", NewMemoryBackend("artifacts"))

	ref, err := s.Write(ctx, "steps.train", "model", "sr-1", strings.NewReader(`{"w":1}`), "application/json")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ref.URI != s.URI("steps.train", "model", "sr-1") {
		t.Errorf("ref.URI = %q", ref.URI)
	}
	if ref.Size != 7 || ref.Checksum == "" {
		t.Errorf("ref = %+v", ref)
	}

	rc, err := s.Open(ctx, ref.URI)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != `{"w":1}` {
		t.Errorf("data = %q", data)
	}

	refs, err := s.List(ctx, "steps.train/")
	if err != nil || len(refs) != 1 {
		t.Fatalf("List = %v, %v", refs, err)
	}

	if err := s.Delete(ctx, ref.URI); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, ref.URI); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete = %v, want ErrNotFound", err)
	}
}

func TestStoreRejectsForeignURI(t *testing.T) {
	s := NewStore("local", NewMemoryBackend("artifacts"))
	for _, uri := range []string{"s3://bucket/artifacts/x", "memory://local/other/x", "memory://local/artifacts"} {
		if _, err := s.Open(context.Background(), uri); !errors.Is(err, ErrForeignURI) {
			t.Errorf("Open(%q) = %v, want ErrForeignURI", uri, err)
		}
	}
}

func TestMemoryBackendPresignUnsupported(t *testing.T) {
	s := NewStore("local", NewMemoryBackend(""))
	if _, err := s.DownloadURL(context.Background(), "memory://local/x", 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("DownloadURL = %v, want ErrUnsupported", err)
	}
}

func TestMemoryBackendConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore("local", NewMemoryBackend("artifacts"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := s.Write(ctx, "steps.load", "data", id, strings.NewReader(id), "text/plain"); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()

	refs, _ := s.List(ctx, "steps.load/data/")
	if len(refs) != 20 {
		t.Errorf("got %d objects, want 20", len(refs))
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(context.Background(), &Config{Type: "ftp"}); err == nil {
		t.Error("New with unknown type succeeded")
	}
	if _, err := New(context.Background(), &Config{Type: "s3"}); err == nil {
		t.Error("New s3 without bucket succeeded")
	}
}
