package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Response is a parsed CGI child response: the header block up to the
// first blank line, and everything after it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

var ErrInvalidResponse = errors.New("cgi: response has no header/body separator")

// ParseResponse splits a CGI child's output at the first blank line,
// tolerating both LF and CRLF line endings. The Status pseudo-header is
// optional and defaults to 200; a missing separator or a malformed
// header line is an error.
func ParseResponse(out []byte) (*Response, error) {
	resp := &Response{Status: http.StatusOK, Header: make(http.Header)}
	rest := out
	for {
		line, tail, found := bytes.Cut(rest, []byte("\n"))
		if !found {
			return nil, ErrInvalidResponse
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest = tail
		if len(line) == 0 {
			resp.Body = rest
			return resp, nil
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return nil, fmt.Errorf("cgi: malformed header line %q", line)
		}
		name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		if name == "Status" {
			code, err := parseStatus(value)
			if err != nil {
				return nil, err
			}
			resp.Status = code
			continue
		}
		resp.Header.Add(name, value)
	}
}

// parseStatus accepts "200" and "200 OK" forms.
func parseStatus(v string) (int, error) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, errors.New("cgi: empty Status header")
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("cgi: bad Status header %q", v)
	}
	return code, nil
}
