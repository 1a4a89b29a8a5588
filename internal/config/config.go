// Package config loads runtime configuration from flags, a yaml file,
// and PASSAGE_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerAddress       = "server.address"
	KeyServerExternalURL   = "server.external_url"
	KeyServerOperatorKey   = "server.operator_key"
	KeyServerAdminKey      = "server.admin_key"
	KeyServerAuthHeader    = "server.auth_header"
	KeyServerEnvironment   = "server.environment"
	KeyServerOrigins       = "server.allowed_origins"
	KeyServerReqTimeout    = "server.request_timeout"
	KeyServerMaxTunnels    = "server.max_tunnels"
	KeyServerHeartbeat     = "server.heartbeat_interval"
	KeyServerMissThreshold = "server.heartbeat_miss_threshold"
	KeyServerSweepInterval = "server.sweep_interval"
	KeyServerIdleTimeout   = "server.idle_timeout"
	KeyServerMaxFrameBytes = "server.max_frame_bytes"
	KeyServerMaxBodyBytes  = "server.max_body_bytes"
	KeyServerMaxInFlight   = "server.max_in_flight"
	KeyServerRateLimit     = "server.rate_limit"
	KeyServerRateBurst     = "server.rate_burst"
)

const (
	KeyAgentServerURL     = "agent.server_url"
	KeyAgentAPIKey        = "agent.api_key"
	KeyAgentAuthHeader    = "agent.auth_header"
	KeyAgentTunnelID      = "agent.tunnel_id"
	KeyAgentAuthToken     = "agent.auth_token"
	KeyAgentName          = "agent.name"
	KeyAgentLocalScheme   = "agent.local_scheme"
	KeyAgentLocalHost     = "agent.local_host"
	KeyAgentLocalPort     = "agent.local_port"
	KeyAgentReqTimeout    = "agent.request_timeout"
	KeyAgentHeartbeat     = "agent.heartbeat_interval"
	KeyAgentMissThreshold = "agent.heartbeat_miss_threshold"
	KeyAgentMaxFrameBytes = "agent.max_frame_bytes"
	KeyAgentDrainTimeout  = "agent.drain_timeout"
)

const (
	KeyLogLevel    = "log.level"
	KeyLogTimezone = "log.timezone"
)

var ServerOptions = []ConfigOption{
	{Key: KeyServerAddress, Flag: flag(KeyServerAddress), Default: ":8989", Description: "Server listen address"},
	{Key: KeyServerExternalURL, Flag: flag(KeyServerExternalURL), Default: "http://localhost:8989", Description: "Public base URL advertised in create responses"},
	{Key: KeyServerOperatorKey, Flag: flag(KeyServerOperatorKey), Default: "", Description: "Operator API key"},
	{Key: KeyServerAdminKey, Flag: flag(KeyServerAdminKey), Default: "", Description: "Admin API key"},
	{Key: KeyServerAuthHeader, Flag: flag(KeyServerAuthHeader), Default: "x-api-key", Description: "Operator credential header name"},
	{Key: KeyServerEnvironment, Flag: flag(KeyServerEnvironment), Default: "LOCAL", Description: "Deployment environment label"},
	{Key: KeyServerOrigins, Flag: flag(KeyServerOrigins), Default: []string{}, Description: "Allowed CORS origins (empty allows all)"},
	{Key: KeyServerReqTimeout, Flag: flag(KeyServerReqTimeout), Default: 30 * time.Second, Description: "Proxied request timeout"},
	{Key: KeyServerMaxTunnels, Flag: flag(KeyServerMaxTunnels), Default: 100, Description: "Maximum concurrent tunnels"},
	{Key: KeyServerHeartbeat, Flag: flag(KeyServerHeartbeat), Default: 10 * time.Second, Description: "Session heartbeat interval"},
	{Key: KeyServerMissThreshold, Flag: flag(KeyServerMissThreshold), Default: 3, Description: "Heartbeat misses before session teardown"},
	{Key: KeyServerSweepInterval, Flag: flag(KeyServerSweepInterval), Default: 60 * time.Second, Description: "Idle tunnel sweep interval"},
	{Key: KeyServerIdleTimeout, Flag: flag(KeyServerIdleTimeout), Default: 120 * time.Second, Description: "Idle timeout before an unattached tunnel is evicted"},
	{Key: KeyServerMaxFrameBytes, Flag: flag(KeyServerMaxFrameBytes), Default: 16 << 20, Description: "Maximum encoded frame size in bytes"},
	{Key: KeyServerMaxBodyBytes, Flag: flag(KeyServerMaxBodyBytes), Default: 10 << 20, Description: "Maximum proxied request body size in bytes"},
	{Key: KeyServerMaxInFlight, Flag: flag(KeyServerMaxInFlight), Default: 64, Description: "Maximum in-flight requests per session"},
	{Key: KeyServerRateLimit, Flag: flag(KeyServerRateLimit), Default: 10, Description: "Per-client requests per second (0 disables)"},
	{Key: KeyServerRateBurst, Flag: flag(KeyServerRateBurst), Default: 20, Description: "Per-client burst size"},
}

var AgentOptions = []ConfigOption{
	{Key: KeyAgentServerURL, Flag: flag(KeyAgentServerURL), Default: "http://127.0.0.1:8989", Description: "Passage server URL"},
	{Key: KeyAgentAPIKey, Flag: flag(KeyAgentAPIKey), Default: "", Description: "Operator API key"},
	{Key: KeyAgentAuthHeader, Flag: flag(KeyAgentAuthHeader), Default: "x-api-key", Description: "Operator credential header name"},
	{Key: KeyAgentTunnelID, Flag: flag(KeyAgentTunnelID), Default: "", Description: "Pre-issued tunnel id (skips create)"},
	{Key: KeyAgentAuthToken, Flag: flag(KeyAgentAuthToken), Default: "", Description: "Pre-issued attach token"},
	{Key: KeyAgentName, Flag: flag(KeyAgentName), Default: "", Description: "Friendly tunnel name"},
	{Key: KeyAgentLocalScheme, Flag: flag(KeyAgentLocalScheme), Default: "http", Description: "Local origin scheme"},
	{Key: KeyAgentLocalHost, Flag: flag(KeyAgentLocalHost), Default: "127.0.0.1", Description: "Local origin host"},
	{Key: KeyAgentLocalPort, Flag: flag(KeyAgentLocalPort), Default: 0, Description: "Local origin port (required)"},
	{Key: KeyAgentReqTimeout, Flag: flag(KeyAgentReqTimeout), Default: 30 * time.Second, Description: "Local dispatch timeout base"},
	{Key: KeyAgentHeartbeat, Flag: flag(KeyAgentHeartbeat), Default: 10 * time.Second, Description: "Session heartbeat interval"},
	{Key: KeyAgentMissThreshold, Flag: flag(KeyAgentMissThreshold), Default: 3, Description: "Heartbeat misses before session teardown"},
	{Key: KeyAgentMaxFrameBytes, Flag: flag(KeyAgentMaxFrameBytes), Default: 16 << 20, Description: "Maximum encoded frame size in bytes"},
	{Key: KeyAgentDrainTimeout, Flag: flag(KeyAgentDrainTimeout), Default: 5 * time.Second, Description: "Grace window for in-flight requests on shutdown"},
}

var LogOptions = []ConfigOption{
	{Key: KeyLogLevel, Flag: flag(KeyLogLevel), Default: "info", Description: "Log level (debug, info, warn, error)"},
	{Key: KeyLogTimezone, Flag: flag(KeyLogTimezone), Default: "UTC", Description: "Timezone for log timestamps"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, opts := range [][]ConfigOption{ServerOptions, AgentOptions, LogOptions} {
		for _, o := range opts {
			v.SetDefault(o.Key, o.Default)
		}
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/passage/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("PASSAGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(KeyServerAddress) // PASSAGE_SERVER_ADDRESS
}

func (c *Config) ServerExternalURL() string {
	return c.v.GetString(KeyServerExternalURL) // PASSAGE_SERVER_EXTERNAL_URL
}

func (c *Config) ServerOperatorKey() string {
	return c.v.GetString(KeyServerOperatorKey) // PASSAGE_SERVER_OPERATOR_KEY
}

func (c *Config) ServerAdminKey() string {
	return c.v.GetString(KeyServerAdminKey) // PASSAGE_SERVER_ADMIN_KEY
}

func (c *Config) ServerAuthHeader() string {
	return c.v.GetString(KeyServerAuthHeader) // PASSAGE_SERVER_AUTH_HEADER
}

func (c *Config) ServerEnvironment() string {
	return c.v.GetString(KeyServerEnvironment) // PASSAGE_SERVER_ENVIRONMENT
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerOrigins) // PASSAGE_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ServerRequestTimeout() time.Duration {
	return c.v.GetDuration(KeyServerReqTimeout) // PASSAGE_SERVER_REQUEST_TIMEOUT
}

func (c *Config) ServerMaxTunnels() int {
	return c.v.GetInt(KeyServerMaxTunnels) // PASSAGE_SERVER_MAX_TUNNELS
}

func (c *Config) ServerHeartbeatInterval() time.Duration {
	return c.v.GetDuration(KeyServerHeartbeat) // PASSAGE_SERVER_HEARTBEAT_INTERVAL
}

func (c *Config) ServerHeartbeatMissThreshold() int {
	return c.v.GetInt(KeyServerMissThreshold) // PASSAGE_SERVER_HEARTBEAT_MISS_THRESHOLD
}

func (c *Config) ServerSweepInterval() time.Duration {
	return c.v.GetDuration(KeyServerSweepInterval) // PASSAGE_SERVER_SWEEP_INTERVAL
}

func (c *Config) ServerIdleTimeout() time.Duration {
	return c.v.GetDuration(KeyServerIdleTimeout) // PASSAGE_SERVER_IDLE_TIMEOUT
}

func (c *Config) ServerMaxFrameBytes() int {
	return c.v.GetInt(KeyServerMaxFrameBytes) // PASSAGE_SERVER_MAX_FRAME_BYTES
}

func (c *Config) ServerMaxBodyBytes() int64 {
	return c.v.GetInt64(KeyServerMaxBodyBytes) // PASSAGE_SERVER_MAX_BODY_BYTES
}

func (c *Config) ServerMaxInFlight() int {
	return c.v.GetInt(KeyServerMaxInFlight) // PASSAGE_SERVER_MAX_IN_FLIGHT
}

func (c *Config) ServerRateLimit() float64 {
	return c.v.GetFloat64(KeyServerRateLimit) // PASSAGE_SERVER_RATE_LIMIT
}

func (c *Config) ServerRateBurst() int {
	return c.v.GetInt(KeyServerRateBurst) // PASSAGE_SERVER_RATE_BURST
}

func (c *Config) AgentServerURL() string {
	return c.v.GetString(KeyAgentServerURL) // PASSAGE_AGENT_SERVER_URL
}

func (c *Config) AgentAPIKey() string {
	return c.v.GetString(KeyAgentAPIKey) // PASSAGE_AGENT_API_KEY
}

func (c *Config) AgentAuthHeader() string {
	return c.v.GetString(KeyAgentAuthHeader) // PASSAGE_AGENT_AUTH_HEADER
}

func (c *Config) AgentTunnelID() string {
	return c.v.GetString(KeyAgentTunnelID) // PASSAGE_AGENT_TUNNEL_ID
}

func (c *Config) AgentAuthToken() string {
	return c.v.GetString(KeyAgentAuthToken) // PASSAGE_AGENT_AUTH_TOKEN
}

func (c *Config) AgentName() string {
	return c.v.GetString(KeyAgentName) // PASSAGE_AGENT_NAME
}

func (c *Config) AgentLocalScheme() string {
	return c.v.GetString(KeyAgentLocalScheme) // PASSAGE_AGENT_LOCAL_SCHEME
}

func (c *Config) AgentLocalHost() string {
	return c.v.GetString(KeyAgentLocalHost) // PASSAGE_AGENT_LOCAL_HOST
}

func (c *Config) AgentLocalPort() int {
	return c.v.GetInt(KeyAgentLocalPort) // PASSAGE_AGENT_LOCAL_PORT
}

func (c *Config) AgentRequestTimeout() time.Duration {
	return c.v.GetDuration(KeyAgentReqTimeout) // PASSAGE_AGENT_REQUEST_TIMEOUT
}

func (c *Config) AgentHeartbeatInterval() time.Duration {
	return c.v.GetDuration(KeyAgentHeartbeat) // PASSAGE_AGENT_HEARTBEAT_INTERVAL
}

func (c *Config) AgentHeartbeatMissThreshold() int {
	return c.v.GetInt(KeyAgentMissThreshold) // PASSAGE_AGENT_HEARTBEAT_MISS_THRESHOLD
}

func (c *Config) AgentMaxFrameBytes() int {
	return c.v.GetInt(KeyAgentMaxFrameBytes) // PASSAGE_AGENT_MAX_FRAME_BYTES
}

func (c *Config) AgentDrainTimeout() time.Duration {
	return c.v.GetDuration(KeyAgentDrainTimeout) // PASSAGE_AGENT_DRAIN_TIMEOUT
}

func (c *Config) LogLevel() string {
	return c.v.GetString(KeyLogLevel) // PASSAGE_LOG_LEVEL
}

func (c *Config) LogTimezone() string {
	return c.v.GetString(KeyLogTimezone) // PASSAGE_LOG_TIMEZONE
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	flag = strings.TrimPrefix(flag, "agent-")
	return flag
}
