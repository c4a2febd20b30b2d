package pathutil

import "testing"

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"videos/clip.mp4", false},
		{"videos/./clip.mp4", true},
		{"videos/../clip.mp4", true},
		{".", true},
		{"..", true},
		{"...", false},
		{".hidden/file", false},
		{"audio/.", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasDotSegments(tt.path); got != tt.want {
				t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		prefix, rel, want string
	}{
		{"videos", "clip.mp4", "videos/clip.mp4"},
		{"videos", "intro/clip.mp4", "videos/intro/clip.mp4"},
		{"videos", `intro\week1\clip.mp4`, "videos/intro/week1/clip.mp4"},
		{"videos/", "/clip.mp4", "videos/clip.mp4"},
		{`audio\`, "a.mp3", "audio/a.mp3"},
		{"", "a.mp3", "a.mp3"},
		{"podcasts", "s1//ep1.mp3", "podcasts/s1/ep1.mp3"},
	}
	for _, tt := range tests {
		if got := JoinKey(tt.prefix, tt.rel); got != tt.want {
			t.Errorf("JoinKey(%q, %q) = %q, want %q", tt.prefix, tt.rel, got, tt.want)
		}
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"videos/clip.mp4", true},
		{"deployment_manifest.json", true},
		{"", false},
		{"/videos/clip.mp4", false},
		{"videos/", false},
		{"videos/../etc", false},
		{"videos/./clip.mp4", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func FuzzJoinKey(f *testing.F) {
	f.Add("videos", "clip.mp4")
	f.Add(`audio\`, `a\b.mp3`)
	f.Add("", "//x")
	f.Fuzz(func(t *testing.T, prefix, rel string) {
		k := JoinKey(prefix, rel)
		for i := 0; i < len(k); i++ {
			if k[i] == '\\' {
				t.Fatalf("JoinKey(%q, %q) = %q contains a backslash", prefix, rel, k)
			}
		}
	})
}
