package cgi

import (
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

func TestMetaVars(t *testing.T) {
	r := httptest.NewRequest("GET", "http://Example.COM:8080/cgi/test.py?x=1&y=2", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("Accept", "text/html")

	pairs := MetaVars(r, RequestOptions{ServerSoftware: "cgiprobe/1.0"})

	want := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD=GET",
		"QUERY_STRING=x=1&y=2",
		"CONTENT_LENGTH=0",
		"SCRIPT_NAME=/cgi/test.py",
		"PATH_INFO=",
		"SERVER_NAME=example.com",
		"SERVER_PORT=8080",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=cgiprobe/1.0",
		"REMOTE_ADDR=192.0.2.1",
		"HTTP_X_FORWARDED_FOR=203.0.113.9",
		"HTTP_ACCEPT=text/html",
	}
	for _, kv := range want {
		if !slices.Contains(pairs, kv) {
			t.Fatalf("meta-variables missing %q:\n%v", kv, pairs)
		}
	}
}

func TestMetaVarsPost(t *testing.T) {
	r := httptest.NewRequest("POST", "http://localhost/cgi/test.py", strings.NewReader("hello"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	pairs := MetaVars(r, RequestOptions{})

	for _, kv := range []string{
		"REQUEST_METHOD=POST",
		"CONTENT_LENGTH=5",
		"CONTENT_TYPE=application/x-www-form-urlencoded",
		"SERVER_PORT=80",
	} {
		if !slices.Contains(pairs, kv) {
			t.Fatalf("meta-variables missing %q:\n%v", kv, pairs)
		}
	}

	// Content-Type travels as a meta-variable, not as HTTP_CONTENT_TYPE.
	for _, kv := range pairs {
		if strings.HasPrefix(kv, "HTTP_CONTENT_TYPE=") {
			t.Fatalf("Content-Type projected twice:\n%v", pairs)
		}
	}
}

func TestMetaVarsScriptOverrides(t *testing.T) {
	r := httptest.NewRequest("GET", "http://localhost/test.py/extra", nil)

	pairs := MetaVars(r, RequestOptions{
		ScriptName:     "/test.py",
		PathInfo:       "/extra",
		PathTranslated: "/var/www/cgi/extra",
	})

	for _, kv := range []string{
		"SCRIPT_NAME=/test.py",
		"PATH_INFO=/extra",
		"PATH_TRANSLATED=/var/www/cgi/extra",
	} {
		if !slices.Contains(pairs, kv) {
			t.Fatalf("meta-variables missing %q:\n%v", kv, pairs)
		}
	}
}

func TestMetaVarsHeaderOrderIsStable(t *testing.T) {
	build := func() []string {
		r := httptest.NewRequest("GET", "http://localhost/", nil)
		r.Header.Set("B-Header", "2")
		r.Header.Set("A-Header", "1")
		r.Header.Set("C-Header", "3")
		return MetaVars(r, RequestOptions{})
	}

	first := build()
	for i := 0; i < 10; i++ {
		if !slices.Equal(build(), first) {
			t.Fatal("meta-variable order differs between identical requests")
		}
	}
}
