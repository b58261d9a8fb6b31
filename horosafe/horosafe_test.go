package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"job-42", false},
		{"change_7.v2", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{"a%2Fb", true},
		{"a b", true},
		{"ünicode", true},
		{strings.Repeat("x", MaxIdentifierLen), false},
		{strings.Repeat("x", MaxIdentifierLen+1), true},
	}
	for _, tt := range tests {
		err := ValidateIdentifier(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateIdentifier(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	if u, err := HTTPURL("https://audit.example/base"); err != nil || u.Host != "audit.example" {
		t.Fatalf("HTTPURL = %v, %v", u, err)
	}
	if _, err := HTTPURL("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file: err = %v", err)
	}
	if _, err := HTTPURL("javascript:alert(1)"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("javascript: err = %v", err)
	}
	if _, err := HTTPURL("http://"); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("at limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Errorf("over limit: %v", err)
	}
}
