// Package cmd defines the cobra subcommands for the passage binary.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/passage-dev/passage/internal/cmd/server"
	"github.com/passage-dev/passage/internal/config"
)

func NewServerCommand(conf *config.Config, srv *server.Server) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Start the public tunnel server (control plane, proxy, and transport endpoint)",
		Example: "passage server --address=:8989 --external-url=https://tunnel.example.com --operator-key=secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := server.Config{
				Address:           conf.ServerAddress(),
				ExternalURL:       conf.ServerExternalURL(),
				OperatorKey:       conf.ServerOperatorKey(),
				AdminKey:          conf.ServerAdminKey(),
				AuthHeader:        conf.ServerAuthHeader(),
				Environment:       conf.ServerEnvironment(),
				AllowedOrigins:    conf.ServerAllowedOrigins(),
				RequestTimeout:    conf.ServerRequestTimeout(),
				MaxTunnels:        conf.ServerMaxTunnels(),
				HeartbeatInterval: conf.ServerHeartbeatInterval(),
				MissThreshold:     conf.ServerHeartbeatMissThreshold(),
				SweepInterval:     conf.ServerSweepInterval(),
				IdleTimeout:       conf.ServerIdleTimeout(),
				MaxFrameBytes:     conf.ServerMaxFrameBytes(),
				MaxBodyBytes:      conf.ServerMaxBodyBytes(),
				MaxInFlight:       conf.ServerMaxInFlight(),
				RateLimit:         conf.ServerRateLimit(),
				RateBurst:         conf.ServerRateBurst(),
			}

			return srv.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
