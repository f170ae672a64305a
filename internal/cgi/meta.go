// Package cgi carries the host side of the Common Gateway Interface:
// building the per-request meta-variable environment from an HTTP
// request, resolving hosted scripts, and reframing a CGI child's output
// into status, headers and body.
package cgi

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Meta-variable names defined by RFC 3875.
const (
	AuthType         = "AUTH_TYPE"
	ContentLength    = "CONTENT_LENGTH"
	ContentType      = "CONTENT_TYPE"
	GatewayInterface = "GATEWAY_INTERFACE"
	PathInfo         = "PATH_INFO"
	PathTranslated   = "PATH_TRANSLATED"
	QueryString      = "QUERY_STRING"
	RemoteAddr       = "REMOTE_ADDR"
	RemoteUser       = "REMOTE_USER"
	RequestMethod    = "REQUEST_METHOD"
	ScriptName       = "SCRIPT_NAME"
	ServerName       = "SERVER_NAME"
	ServerPort       = "SERVER_PORT"
	ServerProtocol   = "SERVER_PROTOCOL"
	ServerSoftware   = "SERVER_SOFTWARE"
)

// RequestOptions adjusts meta-variable construction.
type RequestOptions struct {
	// ScriptName, PathInfo and PathTranslated override the defaults (the
	// full URL path as SCRIPT_NAME, both others empty) when the caller
	// has resolved a hosted script.
	ScriptName     string
	PathInfo       string
	PathTranslated string

	// ServerSoftware sets SERVER_SOFTWARE when non-empty.
	ServerSoftware string
}

// MetaVars builds the request-scoped CGI environment for r as KEY=VALUE
// pairs: the standard meta-variables first, in a fixed order, then every
// request header projected to HTTP_* in sorted order. The pair slice
// feeds both exec.Cmd.Env and responder.NewEnv.
func MetaVars(r *http.Request, opts RequestOptions) []string {
	scriptName := opts.ScriptName
	if scriptName == "" {
		scriptName = r.URL.Path
	}

	name, port := serverNameAndPort(r)

	length := r.ContentLength
	if length < 0 {
		length = 0
	}

	pairs := []string{
		pair(GatewayInterface, "CGI/1.1"),
		pair(RequestMethod, r.Method),
		pair(QueryString, r.URL.RawQuery),
		pair(ContentLength, strconv.FormatInt(length, 10)),
		pair(ScriptName, scriptName),
		pair(PathInfo, opts.PathInfo),
		pair(PathTranslated, opts.PathTranslated),
		pair(RemoteAddr, remoteAddr(r)),
		pair(ServerName, name),
		pair(ServerPort, port),
		pair(ServerProtocol, r.Proto),
	}
	if opts.ServerSoftware != "" {
		pairs = append(pairs, pair(ServerSoftware, opts.ServerSoftware))
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		pairs = append(pairs, pair(ContentType, ct))
	}
	if at := r.Header.Get("Auth-Type"); at != "" {
		pairs = append(pairs, pair(AuthType, at))
	}
	if ru := r.Header.Get("Remote-User"); ru != "" {
		pairs = append(pairs, pair(RemoteUser, ru))
	}

	names := make([]string, 0, len(r.Header))
	for n := range r.Header {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		// Content-Type and Content-Length already travel as meta-variables.
		if n == "Content-Type" || n == "Content-Length" {
			continue
		}
		v := strings.Join(r.Header.Values(n), ", ")
		pairs = append(pairs, pair("HTTP_"+strings.ReplaceAll(strings.ToUpper(n), "-", "_"), v))
	}

	return pairs
}

func pair(k, v string) string {
	return k + "=" + v
}

func serverNameAndPort(r *http.Request) (string, string) {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	if name, port, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(name), port
	}
	if r.TLS != nil {
		return strings.ToLower(host), "443"
	}
	return strings.ToLower(host), "80"
}

func remoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
