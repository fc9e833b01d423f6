package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "genctl",
	Short: "Genctl is a command line tool for interacting with the genplane platform",
	Long: `genctl is the command-line interface for the genplane generation service.

genplane runs paid, multi-stage AI generation jobs: credits are deducted up
front, an image is generated, a video is generated from it through a
long-running upstream operation, and every failure refunds the deduction.
It also supervises the realtime avatar sidecar and leases upstream API keys
to avatar sessions.

Common workflows:

  Generate a video and watch its progress:
    genctl generate --prompt "a lighthouse at dusk" --aspect-ratio 16:9

  Check your balance and usage:
    genctl credits balance
    genctl credits usage

  Operator commands (require --admin-secret):
    genctl users create --name "studio" --credits 1000
    genctl credits set <user-id> --primary 500
    genctl avatar status
    genctl avatar restart
    genctl keys status

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    GENPLANE_URL             API endpoint (default: http://localhost:6161)
    GENPLANE_TOKEN           User API key for authentication
    GENPLANE_ADMIN_SECRET    Shared secret for operator commands`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".genctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".genctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "GENPLANE_VARNAME"
	viper.SetEnvPrefix("GENPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// userClient returns a client authenticated with the user API key, or
// prints a hint and returns false when none is configured.
func userClient(cmd *cobra.Command) (*GenClient, bool) {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the GENPLANE_TOKEN environment variable")
		return nil, false
	}
	return NewGenClient(viper.GetString("url"), token), true
}

// adminClient is userClient for operator commands.
func adminClient(cmd *cobra.Command) (*GenClient, bool) {
	secret := viper.GetString("admin_secret")
	if secret == "" {
		cmd.Println("Admin secret not found. Please set it using the --admin-secret flag or the GENPLANE_ADMIN_SECRET environment variable")
		return nil, false
	}
	return NewGenClient(viper.GetString("url"), secret), true
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.genctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "genplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("admin-secret", "", "Shared secret for operator commands")
	viper.BindPFlag("admin_secret", rootCmd.PersistentFlags().Lookup("admin-secret"))
}
