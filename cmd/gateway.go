/*
Copyright © 2026 The cgiprobe authors

This software is governed by the CeCILL license under French law and
abiding by the rules of distribution of free software.  You can  use,
modify and/ or redistribute the software under the terms of the CeCILL
license as circulated by CEA, CNRS and INRIA at the following URL
"http://www.cecill.info".

As a counterpart to the access to the source code and  rights to copy,
modify and redistribute granted by the license, users are provided only
with a limited warranty  and the software's author,  the holder of the
economic rights,  and the successive licensors  have only  limited
liability.

In this respect, the user's attention is drawn to the risks associated
with loading,  using,  modifying and/or developing or reproducing the
software by the user in light of its specific status of free software,
that may mean  that it is complicated to manipulate,  and  that  also
therefore means  that it is reserved for developers  and  experienced
professionals having in-depth computer knowledge. Users are therefore
encouraged to load and test the software's suitability as regards their
requirements in conditions enabling the security of their systems and/or
data to be ensured and,  more generally, to use and operate it in the
same conditions as regards security.

The fact that you are presently reading this means that you have had
knowledge of the CeCILL license and that you accept its terms.
*/
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/probekit/cgiprobe/internal/cgi"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Host external CGI scripts from a directory",
	Long: `gateway serves a directory of CGI scripts over HTTP: per request it
resolves the script under the script directory, builds the CGI
meta-variables, runs the script with the request body on stdin, and
relays the script's status, headers and body.`,
	Args:         cobra.NoArgs,
	RunE:         gatewayCmdRunE,
	SilenceUsage: true,
}

func init() {
	gatewayCmd.Flags().String("script-dir", "", "directory holding the CGI scripts")
	gatewayCmd.Flags().String("listen-addr", ":8019", "listen address")
	viper.BindPFlag("gateway.script_dir", gatewayCmd.Flags().Lookup("script-dir"))
	viper.BindPFlag("gateway.listen_addr", gatewayCmd.Flags().Lookup("listen-addr"))

	rootCmd.AddCommand(gatewayCmd)
}

type resolvedScript struct {
	path     string
	pathInfo string
}

// scriptGateway hosts CGI scripts. Script resolution results are cached
// per URL path; the cache is dropped whenever the script directory
// changes on disk.
type scriptGateway struct {
	root    string
	timeout time.Duration
	ctx     context.Context
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]resolvedScript
}

func newScriptGateway(ctx context.Context, root string, timeout time.Duration) *scriptGateway {
	return &scriptGateway{
		root:    root,
		timeout: timeout,
		ctx:     ctx,
		log:     slog.Default().With("component", "gateway"),
		cache:   make(map[string]resolvedScript),
	}
}

func (g *scriptGateway) resolve(urlPath string) (resolvedScript, error) {
	g.mu.Lock()
	rs, ok := g.cache[urlPath]
	g.mu.Unlock()
	if ok {
		return rs, nil
	}

	script, pathInfo, err := cgi.ResolveScript(g.root, urlPath)
	if err != nil {
		return resolvedScript{}, err
	}
	rs = resolvedScript{path: script, pathInfo: pathInfo}

	g.mu.Lock()
	g.cache[urlPath] = rs
	g.mu.Unlock()

	return rs, nil
}

func (g *scriptGateway) invalidate() {
	g.mu.Lock()
	g.cache = make(map[string]resolvedScript)
	g.mu.Unlock()
}

// watch drops the resolution cache whenever the script directory
// changes, so renamed or deleted scripts stop being served.
func (g *scriptGateway) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(g.root); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				g.log.Debug("script directory changed", "op", event.Op.String(), "path", event.Name)
				g.invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.log.Error("watching script directory", "error", err)
			case <-g.ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (g *scriptGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := g.log.With("path", r.URL.Path)

	rs, err := g.resolve(r.URL.Path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	env := cgi.MetaVars(r, cgi.RequestOptions{
		ScriptName:     strings.TrimSuffix(r.URL.Path, rs.pathInfo),
		PathInfo:       rs.pathInfo,
		PathTranslated: pathTranslated(g.root, rs.pathInfo),
		ServerSoftware: serverSoftware,
	})

	var body []byte
	if r.Body != nil {
		defer r.Body.Close()
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			log.Error("reading request body", "error", err)
			return
		}
	}

	out, err := g.runScript(rs.path, env, body)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		log.Error("executing script", "script", rs.path, "error", err)
		return
	}

	resp, err := cgi.ParseResponse(out)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		log.Error("parsing script response", "script", rs.path, "error", err)
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		log.Error("writing response body", "error", err)
	}
}

// runScript performs one script invocation: CGI environment, request
// body on stdin, stdout captured for reframing, stderr to the log. The
// configured timeout bounds the child's lifetime.
func (g *scriptGateway) runScript(script string, env []string, body []byte) ([]byte, error) {
	ctx := g.ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, script)
	// Scripts resolve their interpreter through PATH; everything else in
	// the child environment is request-scoped.
	cmd.Env = append(env, "PATH="+os.Getenv("PATH"))
	if len(body) > 0 {
		cmd.Stdin = bytes.NewReader(body)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // stop signal propagation
	}

	err := cmd.Run()
	if stderr.Len() > 0 {
		g.log.Debug("script stderr", "script", script, "stderr", stderr.String())
	}
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", script, err)
	}

	return stdout.Bytes(), nil
}

func pathTranslated(root, pathInfo string) string {
	if pathInfo == "" {
		return ""
	}
	return root + pathInfo
}

func gatewayCmdRunE(cmd *cobra.Command, args []string) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	log := slog.With("component", "gateway")

	if viper.GetBool("debug") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := validator.New().Struct(&cfg.Gateway); err != nil {
		return fmt.Errorf("invalid gateway configuration: %w", err)
	}

	sigCtx := setupSigHandlers(rootCtx)

	gw := newScriptGateway(sigCtx, cfg.Gateway.ScriptDir, cfg.Gateway.ExecTimeout)
	if err := gw.watch(); err != nil {
		log.Warn("script directory watcher disabled", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", gw)

	srv := http.Server{
		Addr: cfg.Gateway.ListenAddr,
		BaseContext: func(net.Listener) context.Context {
			return sigCtx
		},
		Handler: mux,
	}

	log.Info("listening", "addr", cfg.Gateway.ListenAddr, "script-dir", cfg.Gateway.ScriptDir)

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("serving HTTP requests", "component", "gateway", "error", err)
		}
	}()

	<-sigCtx.Done()

	shutdownCtx, shutdownCancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancelFn()

	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error("shutting down HTTP server", "error", err.Error())
	}

	return nil
}
