// Package responder renders the CGI diagnostic response: a Content-Type
// header block, a blank separator line, and an HTML document echoing the
// request method, query string, POST body and the environment the host
// supplied. It never reads ambient process state; the caller passes the
// environment and the body reader explicitly.
package responder

import (
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"
)

// LineEnding selects the terminator of the header lines and of the blank
// line closing the header block. Both forms are valid under CGI/1.1. The
// HTML body always uses bare newlines.
type LineEnding int

const (
	LF LineEnding = iota
	CRLF
)

func (le LineEnding) String() string {
	if le == CRLF {
		return "crlf"
	}
	return "lf"
}

func (le LineEnding) eol() string {
	if le == CRLF {
		return "\r\n"
	}
	return "\n"
}

// Options controls the shape of the rendered page.
type Options struct {
	LineEnding LineEnding
	Title      string

	// Defaults substituted when the corresponding variable is absent from
	// the environment. A present-but-empty variable renders empty.
	MethodDefault string
	QueryDefault  string
	PathDefault   string

	// ShowPathInfo adds a PATH_INFO paragraph.
	ShowPathInfo bool

	// DumpEnv appends a <pre> block with every environment entry as one
	// key=value line, in the mapping's iteration order.
	DumpEnv bool

	// EscapeHTML escapes echoed values before embedding them. Off by
	// default: the diagnostic output is meant to show exactly the bytes
	// the host delivered, which is a known output-escaping gap.
	EscapeHTML bool
}

// Verbose is the environment-dumping variant: LF header lines, UNKNOWN
// method default, h2 sections, full environment dump.
func Verbose() Options {
	return Options{
		LineEnding:    LF,
		Title:         "CGI Test OK",
		MethodDefault: "UNKNOWN",
		DumpEnv:       true,
	}
}

// Compact is the terser variant: CRLF header lines, N/A defaults, one
// paragraph per value, PATH_INFO included, no environment dump.
func Compact() Options {
	return Options{
		LineEnding:    CRLF,
		Title:         "CGI Diagnostic",
		MethodDefault: "N/A",
		QueryDefault:  "N/A",
		PathDefault:   "N/A",
		ShowPathInfo:  true,
	}
}

// Responder renders diagnostic responses. It is stateless across calls
// and safe for concurrent use.
type Responder struct {
	opts Options
}

func New(opts Options) *Responder {
	if opts.Title == "" {
		opts.Title = "CGI Diagnostic"
	}
	return &Responder{opts: opts}
}

// Respond writes one complete response to w: the header block, exactly
// one blank line, then the HTML document. For POST requests it reads at
// most the declared CONTENT_LENGTH bytes from body; a missing, malformed
// or negative CONTENT_LENGTH counts as zero and is never an error. A body
// read error is reported inside the page so that the response still
// completes. The returned error is a write error on w only.
func (r *Responder) Respond(w io.Writer, env Env, body io.Reader) error {
	pw := &pageWriter{w: w}
	eol := r.opts.LineEnding.eol()

	pw.printf("Content-Type: text/html%s%s", eol, eol)

	pw.line("<html>")
	pw.line("<body>")
	pw.printf("<h1>%s</h1>\n", r.opts.Title)

	method := r.valueOr(env, "REQUEST_METHOD", r.opts.MethodDefault)
	query := r.valueOr(env, "QUERY_STRING", r.opts.QueryDefault)

	if r.opts.DumpEnv {
		pw.line("<h2>Request Method</h2>")
		pw.line(r.escape(method))
		pw.line("<h2>Query String</h2>")
		pw.line(r.escape(query))
	} else {
		pw.printf("<p>Method: %s</p>\n", r.escape(method))
		pw.printf("<p>Query: %s</p>\n", r.escape(query))
	}

	if r.opts.ShowPathInfo {
		pw.printf("<p>Path: %s</p>\n", r.escape(r.valueOr(env, "PATH_INFO", r.opts.PathDefault)))
	}

	if env.Get("REQUEST_METHOD") == "POST" {
		data, err := readBody(body, declaredLength(env))
		switch {
		case err != nil:
			pw.printf("<p>error reading request body: %s</p>\n", html.EscapeString(err.Error()))
		case len(data) > 0:
			if r.opts.DumpEnv {
				pw.line("<h2>POST Data</h2>")
				pw.line(r.escape(string(data)))
			} else {
				pw.printf("<p>POST Data: %s</p>\n", r.escape(string(data)))
			}
		}
	}

	if r.opts.DumpEnv {
		pw.line("<h2>CGI Environment</h2>")
		pw.line("<pre>")
		env.Each(func(k, v string) {
			pw.printf("%s=%s\n", r.escape(k), r.escape(v))
		})
		pw.line("</pre>")
	}

	pw.line("</body>")
	pw.line("</html>")

	return pw.err
}

func (r *Responder) valueOr(env Env, key, def string) string {
	if v, ok := env.Lookup(key); ok {
		return v
	}
	return def
}

func (r *Responder) escape(s string) string {
	if r.opts.EscapeHTML {
		return html.EscapeString(s)
	}
	return s
}

// declaredLength coerces CONTENT_LENGTH to a non-negative int, treating
// missing, malformed and negative values as zero.
func declaredLength(env Env) int {
	n, err := strconv.Atoi(strings.TrimSpace(env.Get("CONTENT_LENGTH")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// readBody reads at most n bytes from r. A short read returns whatever
// arrived without error; the read never extends past the declared length.
func readBody(r io.Reader, n int) ([]byte, error) {
	if n <= 0 || r == nil {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:read], err
}

// pageWriter accumulates the first write error so rendering code can
// stay linear.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *pageWriter) line(s string) {
	p.printf("%s\n", s)
}
