package responder

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("some error")
}

func render(t *testing.T, opts Options, env Env, body io.Reader) string {
	t.Helper()
	var buf bytes.Buffer
	if err := New(opts).Respond(&buf, env, body); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	return buf.String()
}

func TestRespondMissingMethodDefaults(t *testing.T) {
	var tests = []struct {
		name string
		opts Options
		want string
	}{
		{"verbose", Verbose(), "UNKNOWN"},
		{"compact", Compact(), "N/A"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := render(t, test.opts, NewEnv(), nil)
			if !strings.Contains(out, test.want) {
				t.Fatalf("output does not contain default %q:\n%s", test.want, out)
			}
		})
	}
}

func TestRespondHeaderSeparator(t *testing.T) {
	var tests = []struct {
		name string
		opts Options
		want string
	}{
		{"verbose LF", Verbose(), "Content-Type: text/html\n\n<html>"},
		{"compact CRLF", Compact(), "Content-Type: text/html\r\n\r\n<html>"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := render(t, test.opts, NewEnv("REQUEST_METHOD=GET"), nil)
			if !strings.HasPrefix(out, test.want) {
				t.Fatalf("output does not start with %q:\n%q", test.want, out[:40])
			}
		})
	}
}

func TestRespondGETHasNoPostSection(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=GET", "QUERY_STRING=a=b", "CONTENT_LENGTH=5")
	out := render(t, Verbose(), env, strings.NewReader("hello"))

	if strings.Contains(out, "POST Data") {
		t.Fatalf("GET response contains a POST data section:\n%s", out)
	}
	if !strings.Contains(out, "a=b") {
		t.Fatalf("query string not echoed:\n%s", out)
	}
}

func TestRespondPOSTReadsDeclaredLengthOnly(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=POST", "CONTENT_LENGTH=5")
	body := &countingReader{r: strings.NewReader("helloEXTRA")}

	out := render(t, Verbose(), env, body)

	if !strings.Contains(out, "hello") {
		t.Fatalf("POST body not echoed:\n%s", out)
	}
	if strings.Contains(out, "EXTRA") {
		t.Fatalf("read past declared CONTENT_LENGTH:\n%s", out)
	}
	if body.n != 5 {
		t.Fatalf("consumed %d bytes from the body, want 5", body.n)
	}
}

func TestRespondBadContentLength(t *testing.T) {
	var tests = []struct {
		name   string
		length string
	}{
		{"absent", ""},
		{"non-numeric", "CONTENT_LENGTH=abc"},
		{"negative", "CONTENT_LENGTH=-3"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pairs := []string{"REQUEST_METHOD=POST"}
			if test.length != "" {
				pairs = append(pairs, test.length)
			}
			out := render(t, Verbose(), NewEnv(pairs...), strings.NewReader("hello"))
			if strings.Contains(out, "POST Data") {
				t.Fatalf("POST data section rendered for zero length:\n%s", out)
			}
		})
	}
}

func TestRespondShortBody(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=POST", "CONTENT_LENGTH=10")
	out := render(t, Verbose(), env, strings.NewReader("hi"))

	if !strings.Contains(out, "hi") {
		t.Fatalf("partial body not rendered:\n%s", out)
	}
}

func TestRespondBodyReadErrorIsReported(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=POST", "CONTENT_LENGTH=5")
	out := render(t, Verbose(), env, errReader{})

	if !strings.Contains(out, "error reading request body") {
		t.Fatalf("read error not reported in page:\n%s", out)
	}
	if !strings.Contains(out, "</html>") {
		t.Fatalf("response not completed after read error:\n%s", out)
	}
}

func TestRespondEnvDump(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=GET", "FOO=bar", "BAZ=qux")
	out := render(t, Verbose(), env, nil)

	for _, kv := range []string{"REQUEST_METHOD=GET", "FOO=bar", "BAZ=qux"} {
		if got := strings.Count(out, kv); got != 1 {
			t.Fatalf("%q appears %d times in the dump, want 1:\n%s", kv, got, out)
		}
	}
}

func TestRespondEnvDumpStableOrder(t *testing.T) {
	env := NewEnv("B=2", "A=1", "C=3")

	first := render(t, Verbose(), env, nil)
	second := render(t, Verbose(), env, nil)

	if first != second {
		t.Fatal("two renderings of the same Env differ")
	}
	if strings.Index(first, "B=2") > strings.Index(first, "A=1") {
		t.Fatalf("dump does not preserve insertion order:\n%s", first)
	}
}

func TestRespondCompactShowsPathInfo(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=GET", "PATH_INFO=/extra")
	out := render(t, Compact(), env, nil)

	if !strings.Contains(out, "<p>Path: /extra</p>") {
		t.Fatalf("PATH_INFO not rendered:\n%s", out)
	}
}

func TestRespondEscapeHTML(t *testing.T) {
	env := NewEnv("REQUEST_METHOD=GET", "QUERY_STRING=<script>")

	raw := render(t, Verbose(), env, nil)
	if !strings.Contains(raw, "<script>") {
		t.Fatalf("raw mode escaped the query string:\n%s", raw)
	}

	opts := Verbose()
	opts.EscapeHTML = true
	escaped := render(t, opts, env, nil)
	if strings.Contains(escaped, "<script>") {
		t.Fatalf("escape mode echoed raw markup:\n%s", escaped)
	}
	if !strings.Contains(escaped, "&lt;script&gt;") {
		t.Fatalf("escape mode did not escape the query string:\n%s", escaped)
	}
}

func TestRespondPresentButEmptyQuery(t *testing.T) {
	// A present-but-empty QUERY_STRING renders empty, the default is
	// only for a missing variable.
	env := NewEnv("REQUEST_METHOD=GET", "QUERY_STRING=")
	out := render(t, Compact(), env, nil)

	if !strings.Contains(out, "<p>Query: </p>") {
		t.Fatalf("empty query string not rendered empty:\n%s", out)
	}
}

func TestRespondWriteErrorPropagates(t *testing.T) {
	w := &failingWriter{failAfter: 1}
	err := New(Verbose()).Respond(w, NewEnv("REQUEST_METHOD=GET"), nil)
	if err == nil {
		t.Fatal("expected a write error")
	}
}

type failingWriter struct {
	writes    int
	failAfter int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.failAfter {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}
