package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"visitorid/internal/fieldstore"
	"visitorid/internal/identity/idgen"
	"visitorid/internal/platform/config"
)

// newDigestCmd prints the settings digest stamped into visitor blobs and
// the cookie names for the configured organization. Blobs written under a
// different digest are discarded on load.
func newDigestCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Print the settings digest and cookie names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			digest := idgen.SettingsDigest(config.ProtocolVersion, cfg.Visitor.AudienceManagerServer, cfg.Visitor.AudienceManagerServerSecure)
			blob, session := fieldstore.CookieNames(cfg.Visitor.OrgID)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "org: %s\ndigest: %s\nblob cookie: %s\nsession cookie: %s\n",
				cfg.Visitor.OrgID, idgen.FormatHash(digest), blob, session)
			return err
		},
	}
}
