package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/domain"
)

func TestNewArtifactStore_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend string
		local   bool
		wantErr error
	}{
		{"", true, nil},
		{"local", true, nil},
		{"ftp", false, domain.ErrConfigInvalid},
		{"minio", false, domain.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			// The minio case has no endpoint, so it fails before dialing.
			st, err := NewArtifactStore(context.Background(), config.ArtifactsConfig{Backend: tt.backend}, dir)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewArtifactStore: %v", err)
			}
			ls, ok := st.(*LocalStore)
			if !ok || ls.Root != dir {
				t.Errorf("store = %#v, want LocalStore rooted at %s", st, dir)
			}
		})
	}
}

func TestLocalStore_PutKeepsExistingKey(t *testing.T) {
	s := &LocalStore{Root: t.TempDir()}
	ctx := context.Background()

	path, err := s.Put(ctx, "screenshots/abc.png", []byte("first"), "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if path != filepath.Join(s.Root, "screenshots", "abc.png") {
		t.Errorf("path = %s", path)
	}

	again, err := s.Put(ctx, "screenshots/abc.png", []byte("second"), "image/png")
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if again != path {
		t.Errorf("second path = %s, want %s", again, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want the original bytes", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("%d entries, want only abc.png (no temp files left)", len(entries))
	}
}
