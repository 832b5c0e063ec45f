package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/lti"
)

var deploymentsCmd = &cobra.Command{
	Use:     "deployments",
	Aliases: []string{"deployment", "dep"},
	Short:   "Manage trusted platform deployments",
}

var deploymentsImportCmd = &cobra.Command{
	Use:     "import <file.yaml>",
	Short:   "Upsert deployments from a YAML file",
	Example: `  ltid deployments import deployments.yaml`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ds, err := lti.ImportDeployments(cmd.Context(), lti.NewSQLRegistry(db), args[0])
		if err != nil {
			return err
		}
		for _, d := range ds {
			log.Info().Str("id", d.ID).Str("issuer", d.Issuer).Str("client_id", d.ClientID).
				Bool("active", d.Active).Msg("deployment saved")
		}
		return nil
	},
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ds, err := lti.NewSQLRegistry(db).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(ds) == 0 {
			log.Info().Msg("No deployments registered")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Name", "Issuer", "Client ID", "Deployment", "JWKS", "Active"})

		bold := color.New(color.Bold).SprintFunc()
		faint := color.New(color.Faint).SprintFunc()
		for _, d := range ds {
			active := faint("no")
			if d.Active {
				active = bold("yes")
			}
			dep := d.DeploymentID
			if dep == "" {
				dep = faint("(any)")
			}
			t.AppendRow(table.Row{d.ID, d.Name, bold(d.Issuer), d.ClientID, dep, faint(d.JWKSURL), active})
		}

		s := table.StyleRounded
		s.Format.Header = text.FormatDefault
		t.SetStyle(s)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deploymentsCmd)
	deploymentsCmd.AddCommand(deploymentsImportCmd, deploymentsListCmd)
}
