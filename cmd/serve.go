package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/fcgi"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/netutil"

	"github.com/probekit/cgiprobe/internal/cgi"
	"github.com/probekit/cgiprobe/internal/responder"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the diagnostic responder as a persistent HTTP or FastCGI service",
	Args:         cobra.NoArgs,
	RunE:         serveCmdRunE,
	SilenceUsage: true,
}

func init() {
	serveCmd.Flags().String("listen-addr", ":8018", "listen address")
	serveCmd.Flags().String("protocol", "http", "serving protocol (http or fcgi)")
	viper.BindPFlag("serve.listen_addr", serveCmd.Flags().Lookup("listen-addr"))
	viper.BindPFlag("serve.protocol", serveCmd.Flags().Lookup("protocol"))

	rootCmd.AddCommand(serveCmd)
}

// diagServer is the long-lived rendition of the CGI endpoint: each
// request gets its own environment built from the request, and nothing
// is shared between requests beyond the responder configuration.
type diagServer struct {
	responder    *responder.Responder
	ctx          context.Context
	log          *slog.Logger
	shuttingDown bool
}

func newDiagServer(ctx context.Context, r *responder.Responder) *diagServer {
	return &diagServer{
		responder: r,
		ctx:       ctx,
		log:       slog.Default().With("component", "http-server"),
	}
}

func (d *diagServer) InitiateShutdown() {
	d.shuttingDown = true
}

func (d *diagServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := d.log.With("component", "diag-handler")

	if d.shuttingDown {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "cgiprobe: service is shutting down\n")
		return
	}

	if r.Body != nil {
		defer r.Body.Close()
	}

	env := cgi.MetaVars(r, cgi.RequestOptions{ServerSoftware: serverSoftware})

	// The responder speaks CGI on a plain writer; render into a buffer
	// and reframe its header block through the ResponseWriter.
	var buf bytes.Buffer
	if err := d.responder.Respond(&buf, responder.NewEnv(env...), r.Body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Error("rendering diagnostic response", "error", err)
		return
	}

	resp, err := cgi.ParseResponse(buf.Bytes())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Error("reframing diagnostic response", "error", err)
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

func serveCmdRunE(cmd *cobra.Command, args []string) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	log := slog.With("component", "serve")

	if viper.GetBool("debug") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cfgValidator := validator.New()
	if err := cfgValidator.Struct(&cfg.Serve); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}
	if err := cfgValidator.Struct(&cfg.Responder); err != nil {
		return fmt.Errorf("invalid responder configuration: %w", err)
	}

	sigCtx := setupSigHandlers(rootCtx)

	diag := newDiagServer(sigCtx, responder.New(cfg.Responder.options()))

	mux := http.NewServeMux()
	mux.Handle("/", diag)

	ln, err := listen(cfg.Serve)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	if cfg.Serve.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Serve.MaxConns)
	}

	log.Info("listening", "addr", ln.Addr().String(), "protocol", cfg.Serve.Protocol)

	if cfg.Serve.Protocol == "fcgi" {
		return serveFCGI(sigCtx, diag, ln, mux, cfg.Serve)
	}

	srv := http.Server{
		BaseContext: func(net.Listener) context.Context {
			return sigCtx
		},
		Handler: mux,
	}

	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			slog.Error("serving HTTP requests", "component", "http-server", "error", err)
		}
	}()

	<-sigCtx.Done()

	log.Debug("initiating shutdown")

	diag.InitiateShutdown()

	shutdownCtx, shutdownCancelFn := context.WithTimeout(context.Background(), cfg.Serve.ShutdownTimeout)
	defer shutdownCancelFn()

	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error("shutting down HTTP server", "error", err.Error())
	}

	log.Debug("HTTP server is stopped")

	return nil
}

// listen opens the service listener: a unix socket for FastCGI when
// socket_path is set, otherwise TCP on listen_addr.
func listen(cfg serveConfig) (net.Listener, error) {
	if cfg.Protocol == "fcgi" && cfg.SocketPath != "" {
		return net.Listen("unix", cfg.SocketPath)
	}
	return net.Listen("tcp", cfg.ListenAddr)
}

func serveFCGI(ctx context.Context, diag *diagServer, ln net.Listener, handler http.Handler, cfg serveConfig) error {
	log := slog.With("component", "fcgi-server")

	go func() {
		if err := fcgi.Serve(ln, handler); err != nil && ctx.Err() == nil {
			log.Error("serving FastCGI requests", "error", err)
		}
	}()

	<-ctx.Done()

	diag.InitiateShutdown()

	err := ln.Close()
	if cfg.SocketPath != "" {
		os.Remove(cfg.SocketPath)
	}

	log.Debug("FastCGI server is stopped")

	return err
}
