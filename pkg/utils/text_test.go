package utils

import (
	"reflect"
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"shorter than max", "abc", 10, "abc"},
		{"exactly max", "abcde", 5, "abcde"},
		{"longer than max", "abcdefgh", 5, "abcde..."},
		{"zero max", "abc", 0, "abc"},
		{"negative max", "abc", -1, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.s, tt.maxLen); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want []string
	}{
		{"simple", "list recent approved records", []string{"list", "recent", "approved", "records"}},
		{"mixed case and punctuation", "Core_Record, decideStat!", []string{"core", "record", "decidestat"}},
		{"short tokens dropped", "a of id table", []string{"table"}},
		{"empty", "", nil},
		{"digits kept", "top 100 rows", []string{"100", "rows"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.s)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want string
	}{
		{"lowercase passthrough", "credit", "credit"},
		{"spaces and punctuation", "Credit Check DB!", "credit_check_db"},
		{"repeated separators", "a--b__c", "a_b_c"},
		{"leading and trailing", "_credit_", "credit"},
		{"empty", "", "db"},
		{"only punctuation", "!!!", "db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.s); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.s, got, tt.want)
			}
		})
	}
}

func TestSlug_LengthCap(t *testing.T) {
	got := Slug(strings.Repeat("ab", 100))
	if len(got) != 80 {
		t.Errorf("Slug length = %d, want 80", len(got))
	}
}
