package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hello  ", "hello"},
		{"keeps newlines", "a\nb", "a\nb"},
		{"strips control chars", "a\x00b\x1fc", "abc"},
		{"nfkc folds fullwidth", "Ｈｉ", "Hi"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{"case folded", "Stage III Endometriosis", "stage iii endometriosis"},
		{"whitespace collapsed", "chronic  pelvic\npain", "chronic pelvic pain"},
		{"surrounding whitespace", "  pelvic pain  ", "pelvic pain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CacheKey(tt.a); got != CacheKey(tt.b) {
				t.Errorf("CacheKey(%q) = %q, want same key as %q", tt.a, got, tt.b)
			}
		})
	}

	t.Run("distinct texts stay distinct", func(t *testing.T) {
		if CacheKey("stage iii") == CacheKey("stage iv") {
			t.Error("different texts must not collide")
		}
	})
}
