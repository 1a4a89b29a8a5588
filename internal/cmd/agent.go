package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/passage-dev/passage/internal/agent"
	"github.com/passage-dev/passage/internal/config"
)

func NewAgentCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Start the agent that exposes a local HTTP origin through a tunnel",
		Example: "passage agent --server-url=https://tunnel.example.com --api-key=secret --local-port=3000",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := agent.New(agent.Config{
				ServerURL:         conf.AgentServerURL(),
				AuthHeader:        conf.AgentAuthHeader(),
				APIKey:            conf.AgentAPIKey(),
				TunnelID:          conf.AgentTunnelID(),
				AuthToken:         conf.AgentAuthToken(),
				Name:              conf.AgentName(),
				LocalScheme:       conf.AgentLocalScheme(),
				LocalHost:         conf.AgentLocalHost(),
				LocalPort:         conf.AgentLocalPort(),
				RequestTimeout:    conf.AgentRequestTimeout(),
				HeartbeatInterval: conf.AgentHeartbeatInterval(),
				MissThreshold:     conf.AgentHeartbeatMissThreshold(),
				MaxFrameBytes:     conf.AgentMaxFrameBytes(),
				DrainTimeout:      conf.AgentDrainTimeout(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize agent: %w", err)
			}

			return a.Run(cmd.Context())
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
