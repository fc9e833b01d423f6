package cmd

import (
	"fmt"
	"text/tabwriter"

	"genplane/pkg/api"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage API users (operator)",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user and print its API key",
	Long: `Create a user, optionally granting primary credits.

The API key is printed once and cannot be recovered later.

Example:
  genctl users create --name "studio" --credits 1000`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		credits, _ := cmd.Flags().GetInt64("credits")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		client, ok := adminClient(cmd)
		if !ok {
			return
		}

		user, err := client.CreateUser(api.CreateUserRequest{Name: name, Credits: credits})
		if err != nil {
			cmd.Printf("Error creating user: %s\n", err)
			return
		}

		cmd.Printf("%s✓%s User created\n", colorGreen, colorReset)
		cmd.Printf("%sID:%s        %s\n", colorDim, colorReset, user.ID)
		cmd.Printf("%sName:%s      %s\n", colorDim, colorReset, user.Name)
		cmd.Printf("%sAPI key:%s   %s\n", colorDim, colorReset, user.ApiKey)
		cmd.Println("Store the API key now; it will not be shown again.")
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the upstream key pool (operator)",
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active avatar sessions per upstream key",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := adminClient(cmd)
		if !ok {
			return
		}

		status, err := client.KeyPoolStatus()
		if err != nil {
			cmd.Printf("Error fetching key pool: %s\n", err)
			return
		}

		cmd.Printf("%d keys configured, %d active sessions\n", status.Configured, status.ActiveLeases)
		if status.Configured == 0 {
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "KEY\tSESSIONS")
		for i, n := range status.PerKey {
			fmt.Fprintf(w, "#%d\t%d\n", i, n)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersCreateCmd)
	usersCreateCmd.Flags().String("name", "", "Display name (required)")
	usersCreateCmd.Flags().Int64("credits", 0, "Initial primary credits")

	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysStatusCmd)
}
