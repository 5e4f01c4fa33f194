package allowlist

import "testing"

func TestIsAllowed(t *testing.T) {
	al := New([]string{"files.example.com", "Amazonaws.com"})

	tests := []struct {
		url  string
		want bool
	}{
		{"https://files.example.com/data.csv", true},
		{"https://sub.files.example.com/x", true},
		{"https://FILES.EXAMPLE.COM/x", true},
		{"https://bedrock-runtime.us-east-1.amazonaws.com/model/invoke", true},
		{"https://evil.example/payload", false},
		{"https://notfiles.example.com/x", false},
		{"https://examplefiles.example.org/x", false},
		{"://bad url", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := al.IsAllowed(tt.url); got != tt.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestIsAllowedHost(t *testing.T) {
	al := New([]string{"files.example.com"})

	tests := []struct {
		host string
		want bool
	}{
		{"files.example.com", true},
		{"files.example.com:443", true},
		{"a.files.example.com:8443", true},
		{"files.example.com.", true},
		{"evil.example:443", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := al.IsAllowedHost(tt.host); got != tt.want {
			t.Errorf("IsAllowedHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestVerdictStable(t *testing.T) {
	al := New([]string{"files.example.com"})
	// Same verdict regardless of call order or repetition.
	for i := 0; i < 3; i++ {
		if !al.IsAllowed("https://files.example.com/a") {
			t.Fatal("allowed URL denied on repeat call")
		}
		if al.IsAllowed("https://evil.example/a") {
			t.Fatal("denied URL allowed on repeat call")
		}
	}
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	al := New(nil)
	if al.IsAllowed("https://anything.example.com/") {
		t.Fatal("empty allowlist must deny")
	}
}
