package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func securityProbe(t *testing.T, mutate func(*http.Request)) http.Header {
	t.Helper()
	h := SecurityHeaders()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Header()
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	hdr := securityProbe(t, nil)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "0",
	}
	for name, value := range want {
		if got := hdr.Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}

	// Plain HTTP must not advertise HSTS.
	if hsts := hdr.Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("unexpected HSTS on plain HTTP: %q", hsts)
	}
}

func TestSecurityHeaders_HSTSOnTLS(t *testing.T) {
	hdr := securityProbe(t, func(r *http.Request) {
		r.TLS = &tls.ConnectionState{}
	})

	hsts := hdr.Get("Strict-Transport-Security")
	if hsts == "" {
		t.Fatal("HSTS missing on TLS request")
	}
	if !strings.Contains(hsts, "max-age=") {
		t.Errorf("HSTS without max-age: %q", hsts)
	}
}

func TestSecurityHeaders_HSTSBehindProxy(t *testing.T) {
	hdr := securityProbe(t, func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})

	if hdr.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing when X-Forwarded-Proto is https")
	}
}
