package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mauriciomferz/transfer-activation/activation"
	"github.com/mauriciomferz/transfer-activation/delegation"
)

func newRequirementsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requirements <endpoint>",
		Short: "Show the endpoint's activation requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			set, err := session.Requirements(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printRequirements(args[0], set)
			return nil
		},
	}
}

func newDeactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <endpoint>",
		Short: "Deactivate the endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := session.Deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deactivated %s\n", args[0])
			return nil
		},
	}
}

func newAutoActivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "autoactivate <endpoint>",
		Short: "Activate the endpoint with credentials the service already holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			res, err := session.AutoActivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printResult(res)
			if res.AutoActivationFailed() {
				return fmt.Errorf("auto-activation of %s failed: %s", args[0], res.Code)
			}
			return nil
		},
	}
}

func newDelegateProxyCmd(a *app) *cobra.Command {
	var (
		credentialFile string
		helperPath     string
		hours          int
	)
	cmd := &cobra.Command{
		Use:   "delegate-proxy <endpoint>",
		Short: "Activate by delegating a proxy credential to the endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if credentialFile == "" {
				credentialFile = a.cfg.Delegation.CredentialFile
			}
			if credentialFile == "" {
				credentialFile = fmt.Sprintf("/tmp/x509up_u%d", os.Getuid())
			}
			if helperPath == "" {
				helperPath = a.cfg.Delegation.HelperPath
			}
			if hours == 0 {
				hours = int(a.cfg.Delegation.ProxyHours)
			}

			data, err := os.ReadFile(credentialFile)
			if err != nil {
				return fmt.Errorf("read credential: %w", err)
			}
			cred := activation.ProxyCredential(data)
			defer cred.Wipe()

			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			res, err := session.Activate(cmd.Context(), args[0], &activation.DelegateProxy{
				Delegator: &delegation.Helper{
					Path:      helperPath,
					WaitDelay: a.cfg.HelperWait(),
					Logger:    a.logger,
					Now:       time.Now,
				},
				Credential: cred,
				Hours:      hours,
			})
			if err != nil {
				return err
			}
			a.printResult(res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&credentialFile, "credential", "", "proxy credential file (default: $X509_USER_PROXY or /tmp/x509up_u<uid>)")
	f.StringVar(&helperPath, "helper", "", "signing helper (default: mkproxy)")
	f.IntVar(&hours, "hours", 0, "lifetime of the delegated proxy in hours")
	return cmd
}

func newMyProxyCmd(a *app) *cobra.Command {
	var (
		hostname string
		username string
		serverDN string
		lifetime int
	)
	cmd := &cobra.Command{
		Use:   "myproxy <endpoint>",
		Short: "Activate with a MyProxy username and passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filler := &activation.MyProxy{
				Hostname:      pick(hostname, a.cfg.MyProxy.Hostname),
				Username:      pick(username, a.cfg.MyProxy.Username),
				Passphrase:    activation.Secret(a.cfg.MyProxy.Passphrase),
				ServerDN:      pick(serverDN, a.cfg.MyProxy.ServerDN),
				LifetimeHours: lifetime,
			}
			if filler.LifetimeHours == 0 {
				filler.LifetimeHours = int(a.cfg.MyProxy.LifetimeHours)
			}
			if filler.Username == "" {
				return errors.New("myproxy username is required")
			}
			if filler.Passphrase == "" {
				return errors.New("MYPROXY_PASSPHRASE is not set")
			}

			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			res, err := session.Activate(cmd.Context(), args[0], filler)
			if err != nil {
				return err
			}
			a.printResult(res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&hostname, "hostname", "", "MyProxy server (default: the endpoint's own)")
	f.StringVar(&username, "myproxy-username", "", "MyProxy account name")
	f.StringVar(&serverDN, "server-dn", "", "expected MyProxy server DN")
	f.IntVar(&lifetime, "lifetime", 0, "credential lifetime in hours")
	return cmd
}

func pick(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}
