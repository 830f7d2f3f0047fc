package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "visitord",
		Short:         "Visitor identity service: resolve, persist and sync visitor IDs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("org", "", "organization ID; @AdobeOrg is appended when missing")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("visitor.org_id", flags.Lookup("org"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newResolveCmd(v),
		newDigestCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
