package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case insensitive scheme", header: "bearer token123", want: "token123"},
		{name: "surrounding whitespace", header: "  Bearer token123  ", want: "token123"},
		{name: "empty", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "scheme only", header: "Bearer ", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("token = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/v1/auth/signup", "/v1/auth/token", "/v1/books/search", "/healthz", "/readyz", "/metrics", "/"}
	for _, p := range public {
		if !isPublicPath(p) {
			t.Fatalf("expected %s to be public", p)
		}
	}
	private := []string{"/v1/users/me", "/v1/books/abc/request", "/v1/admin/stats", "/v1/auth/signup/extra"}
	for _, p := range private {
		if isPublicPath(p) {
			t.Fatalf("expected %s to require auth", p)
		}
	}
}
