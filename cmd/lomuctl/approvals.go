package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List and decide pending approvals",
	}
	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newApprovalDecisionCommand("approve", "Approve a pending operation"))
	cmd.AddCommand(newApprovalDecisionCommand("reject", "Reject a pending operation"))
	cmd.AddCommand(newApprovalStatusCommand())
	cmd.AddCommand(newApprovalHistoryCommand())
	return cmd
}

func newApprovalsListCommand() *cobra.Command {
	var forUser string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if forUser != "" {
				params.Set("userId", forUser)
			}
			data, err := newClient().get("/api/approvals/pending", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&forUser, "for", "", "Admins: only this user's approvals")
	return cmd
}

func newApprovalDecisionCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/"+verb+"/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newApprovalStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <approval-id>",
		Short: "Show an approval's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/approvals/"+url.PathEscape(args[0])+"/status", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newApprovalHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent approvals and how they ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/approvals/history", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
