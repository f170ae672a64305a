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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/probekit/cgiprobe/internal/responder"
)

const serverSoftware = "cgiprobe/1.0"

var cfgFile string

// rootCmd with no subcommand is the classic CGI endpoint: it reads the
// process environment and stdin, writes the diagnostic response to
// stdout, and exits. CGI hosts pass no flags, so everything is tunable
// through the config file or CGIPROBE_* environment variables.
var rootCmd = &cobra.Command{
	Use:   "cgiprobe",
	Short: "CGI diagnostic responder",
	Long: `cgiprobe answers a request with a diagnostic page echoing the request
method, query string, POST body and the CGI environment the host supplied.

Drop the binary into a cgi-bin directory and it behaves as a CGI script.
The serve subcommand keeps it resident as an HTTP or FastCGI service; the
gateway subcommand hosts external CGI scripts from a directory.`,
	// ISINDEX-style hosts may pass the decoded query as arguments;
	// they are ignored, not an error.
	Args:         cobra.ArbitraryArgs,
	RunE:         rootCmdRunE,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cgiprobe.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug mode")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".cgiprobe")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.SetEnvPrefix("CGIPROBE")

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

func setupSigHandlers(ctx context.Context) context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	nctx, nctxCancel := context.WithCancel(ctx)

	go func() {
		sig := <-sigs
		slog.Debug("received signal", "signal", sig.String(), "component", "main")
		nctxCancel()
	}()

	return nctx
}

type responderConfig struct {
	Variant    string `mapstructure:"variant" validate:"oneof=verbose compact"`
	LineEnding string `mapstructure:"line-ending" validate:"omitempty,oneof=lf crlf"`
	EscapeHTML bool   `mapstructure:"escape-html"`
}

// options maps the config onto responder.Options. The line ending
// defaults to the variant's own (LF for verbose, CRLF for compact)
// unless overridden.
func (c responderConfig) options() responder.Options {
	opts := responder.Verbose()
	if c.Variant == "compact" {
		opts = responder.Compact()
	}
	switch c.LineEnding {
	case "lf":
		opts.LineEnding = responder.LF
	case "crlf":
		opts.LineEnding = responder.CRLF
	}
	opts.EscapeHTML = c.EscapeHTML
	return opts
}

type serveConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	Protocol        string        `mapstructure:"protocol" validate:"oneof=http fcgi"`
	SocketPath      string        `mapstructure:"socket_path"`
	MaxConns        int           `mapstructure:"max_conns" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type gatewayConfig struct {
	ScriptDir   string        `mapstructure:"script_dir" validate:"required,dir"`
	ListenAddr  string        `mapstructure:"listen_addr" validate:"required"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

type config struct {
	Responder responderConfig `mapstructure:"responder"`
	Serve     serveConfig     `mapstructure:"serve"`
	Gateway   gatewayConfig   `mapstructure:"gateway"`
}

// loadConfig applies the in-code defaults, then the config file and
// CGIPROBE_* environment. Sections are validated by the command that
// uses them, so running the bare responder never requires gateway
// settings.
func loadConfig() (*config, error) {
	cfg := config{
		Responder: responderConfig{
			Variant: "verbose",
		},
		Serve: serveConfig{
			ListenAddr:      ":8018",
			Protocol:        "http",
			ShutdownTimeout: 5 * time.Second,
		},
		Gateway: gatewayConfig{
			ListenAddr:  ":8019",
			ExecTimeout: 30 * time.Second,
		},
	}

	// WARNING: '-tags=viper_bind_struct' MUST be passed
	// to 'go run' / 'go build' for this Unmarshal() to consider
	// environment variables
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	return &cfg, nil
}

func rootCmdRunE(cmd *cobra.Command, args []string) error {
	if viper.GetBool("debug") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := validator.New().Struct(&cfg.Responder); err != nil {
		return fmt.Errorf("invalid responder configuration: %w", err)
	}

	r := responder.New(cfg.Responder.options())
	return r.Respond(os.Stdout, responder.NewEnv(os.Environ()...), os.Stdin)
}
