package event

import (
	"testing"
	"time"
)

func TestOpRoundTrip(t *testing.T) {
	tests := []struct {
		in      string
		want    Op
		wantErr bool
	}{
		{"created", OpCreated, false},
		{"Modified", OpModified, false},
		{" delete ", OpDeleted, false},
		{"chmod", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOp(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseOp(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResourceKey(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"file path is cleaned", File("/vault/notes/../notes/a.md", OpModified, now), "/vault/notes/a.md"},
		{"scheduled task", Scheduled("link-scan", "", now), "task:link-scan"},
		{"explicit resource", Scheduled("yt", "video123", now), "video123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.ResourceKey(); got != tt.want {
				t.Errorf("ResourceKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
