package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/mauriciomferz/transfer-activation/activation"
	"github.com/mauriciomferz/transfer-activation/internal/config"
	"github.com/mauriciomferz/transfer-activation/internal/logging"
	"github.com/mauriciomferz/transfer-activation/transfer"
)

type globalFlags struct {
	configPath string
	baseURL    string
	format     string
	username   string
	logLevel   string
	noColor    bool
}

// app is the state shared by the subcommands once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags globalFlags
	a := &app{out: stdout}

	cmd := &cobra.Command{
		Use:           "activate",
		Short:         "Activate Transfer API endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.baseURL != "" {
				cfg.BaseURL = flags.baseURL
			}
			if flags.format != "" {
				cfg.Format = flags.format
			}
			if flags.username != "" {
				cfg.Username = flags.username
			}
			if flags.logLevel != "" {
				cfg.LogLevel = flags.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			if flags.noColor {
				color.NoColor = true
			}
			a.cfg = cfg
			a.logger = logging.New(stderr, logging.Options{Level: level, NoColor: color.NoColor})
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&flags.baseURL, "base-url", "", "Transfer API base URL")
	pf.StringVar(&flags.format, "format", "", "response format: json or xml")
	pf.StringVar(&flags.username, "username", "", "Transfer API user the client certificate acts for")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newRequirementsCmd(a),
		newDeactivateCmd(a),
		newAutoActivateCmd(a),
		newDelegateProxyCmd(a),
		newMyProxyCmd(a),
	)
	return cmd
}

// session builds a client from the configuration. A SPIFFE Workload API
// socket, when configured, supplies the client certificate instead of the
// certificate files.
//
// Resources it opens are released by close.
func (a *app) session(ctx context.Context) (*activation.Session, error) {
	format, err := transfer.FormatByName(a.cfg.Format)
	if err != nil {
		return nil, err
	}
	clientCfg := transfer.Config{
		BaseURL:            a.cfg.BaseURL,
		Timeout:            a.cfg.Timeout(),
		Format:             format,
		InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify,
		Logger:             a.logger,
	}
	if a.cfg.TLS.CAFile != "" {
		if clientCfg.CACertPEM, err = os.ReadFile(a.cfg.TLS.CAFile); err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
	}

	var auths []transfer.Authenticator
	switch {
	case a.cfg.TLS.SPIFFEEndpointSocket != "":
		source, err := workloadapi.NewX509Source(ctx,
			workloadapi.WithClientOptions(workloadapi.WithAddr(a.cfg.TLS.SPIFFEEndpointSocket)))
		if err != nil {
			return nil, fmt.Errorf("spiffe workload api: %w", err)
		}
		a.closers = append(a.closers, source.Close)
		auths = append(auths, transfer.WorkloadCertificate{Source: source})
	case a.cfg.TLS.CertFile != "":
		certPEM, err := os.ReadFile(a.cfg.TLS.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		auths = append(auths, transfer.ClientCertificate{CertPEM: certPEM, KeyPEM: keyPEM})
	}
	if a.cfg.Username != "" {
		auths = append(auths, transfer.UserHint{Username: a.cfg.Username})
	}
	if len(auths) > 0 {
		clientCfg.Auth = transfer.Chain(auths...)
	}

	client, err := transfer.NewClient(clientCfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return activation.NewSession(client, activation.WithLogger(a.logger)), nil
}

func (a *app) printResult(res *activation.Result) {
	status := color.New(color.FgGreen, color.Bold)
	if res.AutoActivationFailed() {
		status = color.New(color.FgYellow, color.Bold)
	}
	status.Fprintf(a.out, "%s", res.Code)
	fmt.Fprintf(a.out, " %s\n", res.Endpoint)
	if res.Message != "" {
		fmt.Fprintf(a.out, "  %s\n", res.Message)
	}
	if exp := res.Document.String("expire_time"); exp != "" {
		fmt.Fprintf(a.out, "  expires %s\n", exp)
	}
}

func (a *app) printRequirements(endpoint string, set *activation.RequirementSet) {
	color.New(color.Bold).Fprintf(a.out, "%s\n", endpoint)
	name := color.New(color.FgCyan)
	for _, r := range set.All() {
		name.Fprintf(a.out, "  %-32s", r.String())
		switch {
		case r.Value == nil:
			fmt.Fprintln(a.out, " -")
		case r.Name == "passphrase":
			fmt.Fprintln(a.out, " (set)")
		default:
			fmt.Fprintf(a.out, " %s\n", firstLine(*r.Value))
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
