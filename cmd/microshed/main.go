package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/pkg/environment"
	"github.com/microshed/microshed-testing-go/pkg/jwt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:          "microshed",
		Short:        "Inspect how integration test suites will be run",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadConfig(configDir)
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing microshed.yaml")

	root.AddCommand(newEnvironmentsCmd(), newTokenCmd(), newPublicKeyCmd())
	return root
}

func newEnvironmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "environments",
		Aliases: []string{"env"},
		Short:   "List registered environments and the one that would be selected",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printEnvironments(cmd.OutOrStdout())
		},
	}
}

func printEnvironments(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SELECTED\tNAME\tPRIORITY\tAVAILABLE\tTYPE")

	env, resolveErr := environment.Resolve()
	for _, c := range environment.Candidates() {
		selected := ""
		if resolveErr == nil && environment.IsSelected(c.Name) {
			selected = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", selected, c.Name, c.Priority, c.Available, c.TypeName)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if resolveErr != nil {
		return resolveErr
	}
	if override := config.Lookup(config.EnvClass); override != "" {
		fmt.Fprintf(out, "\n%s=%s selects %s\n", config.EnvClass, override, environment.TypeName(env))
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		issuer  string
		claims  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a JWT with this process's test key",
		Long: `Sign a JWT with a freshly generated test key. The key only lives for the
duration of this command, so the token is useful for inspecting claim layout
rather than for calling an application.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := jwt.Build(subject, issuer, claims...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", jwt.DefaultSubject, "token subject (sub and upn)")
	cmd.Flags().StringVar(&issuer, "issuer", jwt.DefaultIssuer, "token issuer")
	cmd.Flags().StringArrayVar(&claims, "claim", nil, "additional claim as key=value; commas make an array")
	return cmd
}

func newPublicKeyCmd() *cobra.Command {
	var pem bool
	cmd := &cobra.Command{
		Use:   "public-key",
		Short: "Print the public half of the test signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			get := jwt.PublicKey
			if pem {
				get = jwt.PublicKeyPEM
			}
			key, err := get()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(key))
			return nil
		},
	}
	cmd.Flags().BoolVar(&pem, "pem", false, "print PEM instead of base64 DER")
	return cmd
}
