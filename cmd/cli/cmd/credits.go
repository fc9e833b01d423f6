package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"genplane/pkg/api"

	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and manage credit balances",
	Long:  `Show the two-pool credit balance, the transaction history and usage per feature. Operators can overwrite a user's balance.`,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show your current balance",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := userClient(cmd)
		if !ok {
			return
		}

		balance, err := client.GetBalance()
		if err != nil {
			cmd.Printf("Error fetching balance: %s\n", err)
			return
		}
		printBalance(cmd, balance)
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List credit transactions, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := userClient(cmd)
		if !ok {
			return
		}

		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		history, err := client.GetHistory(page, pageSize)
		if err != nil {
			cmd.Printf("Error fetching history: %s\n", err)
			return
		}

		if len(history.Transactions) == 0 {
			if page > 1 {
				cmd.Println("No more transactions.")
			} else {
				cmd.Println("No transactions yet.")
			}
			return
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tBALANCE\tFEATURE\tDESCRIPTION")
		for _, tx := range history.Transactions {
			desc := tx.Description
			if len(desc) > 40 {
				desc = desc[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\t%s\n",
				tx.CreatedAt.Format(time.RFC3339),
				tx.Type,
				tx.Amount,
				tx.BalanceAfter,
				tx.Feature,
				desc,
			)
		}
		w.Flush()
	},
}

var creditsUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show credits spent per feature",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := userClient(cmd)
		if !ok {
			return
		}

		usage, err := client.GetUsage()
		if err != nil {
			cmd.Printf("Error fetching usage: %s\n", err)
			return
		}
		if len(usage.Usage) == 0 {
			cmd.Println("No usage yet.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FEATURE\tCREDITS\tJOBS")
		for _, u := range usage.Usage {
			fmt.Fprintf(w, "%s\t%d\t%d\n", u.Feature, u.Credits, u.Count)
		}
		w.Flush()
	},
}

var creditsSetCmd = &cobra.Command{
	Use:   "set [user_id]",
	Short: "Overwrite a user's balance (operator)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := adminClient(cmd)
		if !ok {
			return
		}

		primary, _ := cmd.Flags().GetInt64("primary")
		secondary, _ := cmd.Flags().GetInt64("secondary")
		reason, _ := cmd.Flags().GetString("reason")

		balance, err := client.SetBalance(args[0], api.SetBalanceRequest{
			Primary:   primary,
			Secondary: secondary,
			Reason:    reason,
		})
		if err != nil {
			cmd.Printf("Error setting balance: %s\n", err)
			return
		}
		cmd.Printf("Balance for %s updated.\n", args[0])
		printBalance(cmd, balance)
	},
}

func printBalance(cmd *cobra.Command, b *api.BalanceResponse) {
	cmd.Printf("%sCredits%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sPrimary:%s     %d\n", colorDim, colorReset, b.Primary)
	cmd.Printf("%sSecondary:%s   %d\n", colorDim, colorReset, b.Secondary)
	cmd.Printf("%sTotal:%s       %s%d%s\n", colorDim, colorReset, colorGreen, b.Total, colorReset)
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
	creditsCmd.AddCommand(creditsUsageCmd)
	creditsCmd.AddCommand(creditsSetCmd)

	creditsHistoryCmd.Flags().Int("page", 1, "Page number, starting at 1")
	creditsHistoryCmd.Flags().Int("page-size", 20, "Transactions per page")

	creditsSetCmd.Flags().Int64("primary", 0, "New primary pool balance")
	creditsSetCmd.Flags().Int64("secondary", 0, "New secondary pool balance")
	creditsSetCmd.Flags().String("reason", "", "Reason recorded in the transaction log")
}
