package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/models"
	"github.com/kabili207/rollcall/pkg/store"
)

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage attendee profiles",
	}
	cmd.AddCommand(
		newProfileAddCmd(opts),
		newProfileListCmd(opts),
		newProfileRemoveCmd(opts),
	)
	return cmd
}

func newProfileAddCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <subject-id> <name> <surname>",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			if _, err := codec.EncodeIdentity(codec.IdentityPacket{SubjectID: subject}); err != nil {
				return fmt.Errorf("subject id %q: %w", subject, err)
			}
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer stores.Close()

			return stores.Profiles.Save(cmd.Context(), &models.Profile{
				SubjectID: subject,
				Name:      strings.TrimSpace(args[1]),
				Surname:   strings.TrimSpace(args[2]),
				Updated:   time.Now(),
			})
		},
	}
}

func newProfileRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <subject-id>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer stores.Close()
			return stores.Profiles.Delete(cmd.Context(), args[0])
		},
	}
}

func newProfileListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer stores.Close()

			profiles, err := stores.Profiles.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(profiles))
			for _, p := range profiles {
				rows = append(rows, []string{p.SubjectID, p.Name, p.Surname, p.Updated.Format(time.DateTime)})
			}
			renderTable([]string{"SUBJECT", "NAME", "SURNAME", "UPDATED"}, rows)
			return nil
		},
	}
}

func renderTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}
