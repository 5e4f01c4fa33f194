package sigv4

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

// Golden vector from the AWS SigV4 test suite ("get-vanilla"): a GET against
// example.amazonaws.com at 2015-08-30T12:36:00Z with the well-known test key
// pair must produce exactly this signature.
const (
	goldenAccessKey = "AKIDEXAMPLE"
	goldenSecretKey = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"
	goldenSignature = "5fa00fa31553b73ebf1942676e86291e8372ff2a2260956d9b8aae1d763fbf31"
)

func TestSignGolden(t *testing.T) {
	s := New("us-east-1")
	s.now = func() time.Time {
		return time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)
	}

	headers, err := s.Sign(context.Background(), http.MethodGet, "https://example.amazonaws.com/", http.Header{}, nil, "service", Credentials{
		AccessKeyID:     goldenAccessKey,
		SecretAccessKey: goldenSecretKey,
	})
	if err != nil {
		t.Fatal(err)
	}

	auth := headers.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/service/aws4_request") {
		t.Fatalf("unexpected credential scope: %s", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=host;x-amz-date") {
		t.Fatalf("unexpected signed headers: %s", auth)
	}
	if !strings.HasSuffix(auth, "Signature="+goldenSignature) {
		t.Fatalf("signature mismatch: %s", auth)
	}
	if got := headers.Get("X-Amz-Date"); got != "20150830T123600Z" {
		t.Fatalf("unexpected X-Amz-Date: %s", got)
	}
}

func TestSignSessionToken(t *testing.T) {
	s := New("us-east-1")
	headers, err := s.Sign(context.Background(), http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/m/invoke",
		http.Header{"Content-Type": []string{"application/json"}}, []byte(`{"prompt":"hi"}`), "bedrock", Credentials{
			AccessKeyID:     "AKID",
			SecretAccessKey: "secret",
			SessionToken:    "token-123",
		})
	if err != nil {
		t.Fatal(err)
	}
	if got := headers.Get("X-Amz-Security-Token"); got != "token-123" {
		t.Fatalf("session token not attached: %q", got)
	}
	if headers.Get("Authorization") == "" {
		t.Fatal("missing Authorization header")
	}
}

func TestSignDoesNotMutateInput(t *testing.T) {
	s := New("us-east-1")
	in := http.Header{"Content-Type": []string{"application/json"}}
	if _, err := s.Sign(context.Background(), http.MethodPost, "https://example.amazonaws.com/", in, nil, "service", Credentials{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	}); err != nil {
		t.Fatal(err)
	}
	if len(in) != 1 || in.Get("Authorization") != "" {
		t.Fatalf("input headers mutated: %v", in)
	}
}

func TestSignMissingCredentials(t *testing.T) {
	s := New("us-east-1")
	if _, err := s.Sign(context.Background(), http.MethodGet, "https://example.amazonaws.com/", nil, nil, "service", Credentials{}); err == nil {
		t.Fatal("expected error for empty credentials")
	}
}
