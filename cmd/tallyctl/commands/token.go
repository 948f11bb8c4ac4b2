package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "tally/internal/jwt_token"
)

func (c *CLI) newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.signingKey == "" {
				return errors.New("TALLY_JWT_SIGNING_KEY is required")
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			svc := jwttoken.NewJWTService(c.signingKey, jwttoken.Issuer, jwttoken.Audience)
			token, err := svc.GenerateAccessToken(subject, jwttoken.RoleOperator, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator identity recorded as performed_by")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
