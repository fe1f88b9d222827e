package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohitkumar/chatflow/agent"
	"github.com/mohitkumar/chatflow/analytics"
	"github.com/mohitkumar/chatflow/config"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-pool-size", 0, "redis connection pool size, 0 for the client default")
	cmd.Flags().String("namespace", "chatflow", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage: redis, memory or postgres")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string")
	cmd.Flags().Bool("postgres-ensure-schema", true, "create the postgres tables when missing")
	cmd.Flags().String("encoder-decoder", "JSON", "encoder decoder used to serialzie definitions")
	cmd.Flags().Int("partitions", 8, "number of timeout partitions")
	cmd.Flags().Int("batch-size", 100, "expired triggers fetched per poll")
	cmd.Flags().Int("lock-stripes", 256, "execution lock stripes")
	cmd.Flags().Duration("wait-timeout", 0, "default deadline of waits, 0 waits forever")
	cmd.Flags().Duration("timeout-poll-interval", 0, "how often expired waits are polled")
	cmd.Flags().Int("timeout-parallel", 4, "goroutines expiring waits")
	cmd.Flags().Duration("script-timeout", 0, "max run time of a script node")
	cmd.Flags().Duration("flow-cache-ttl", 0, "ttl of compiled definitions, 0 never expires")
	cmd.Flags().String("message-service-url", "", "url messages are posted to, empty to only log them")
	cmd.Flags().String("form-service-url", "", "url form instances are created at, empty to only log them")
	cmd.Flags().Duration("connector-timeout", 0, "collaborator request timeout")
	cmd.Flags().Int("connector-retries", 3, "retries of failed collaborator calls")
	cmd.Flags().Duration("connector-retry-interval", 0, "pause between collaborator retries")
	cmd.Flags().String("analytics-file", "", "file step analytics are appended to, empty to disable")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().Bool("development", false, "human readable logs")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")
	c.cfg.PostgresConfig.EnsureSchema = viper.GetBool("postgres-ensure-schema")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.EncoderDecoderType = config.EncoderDecoderType(viper.GetString("encoder-decoder"))
	c.cfg.Partitions = viper.GetInt("partitions")
	c.cfg.BatchSize = viper.GetInt("batch-size")
	c.cfg.LockStripes = viper.GetInt("lock-stripes")
	c.cfg.TimeoutConfig.WaitTimeout = viper.GetDuration("wait-timeout")
	c.cfg.TimeoutConfig.PollInterval = viper.GetDuration("timeout-poll-interval")
	c.cfg.TimeoutConfig.Parallel = viper.GetInt("timeout-parallel")
	c.cfg.TimeoutConfig.ScriptTimeout = viper.GetDuration("script-timeout")
	c.cfg.FlowCacheTTL = viper.GetDuration("flow-cache-ttl")
	c.cfg.ConnectorConfig.MessageServiceURL = viper.GetString("message-service-url")
	c.cfg.ConnectorConfig.FormServiceURL = viper.GetString("form-service-url")
	c.cfg.ConnectorConfig.Timeout = viper.GetDuration("connector-timeout")
	c.cfg.ConnectorConfig.MaxRetries = viper.GetInt("connector-retries")
	c.cfg.ConnectorConfig.RetryInterval = viper.GetDuration("connector-retry-interval")
	if file := viper.GetString("analytics-file"); file != "" {
		c.cfg.AnalyticsConfig.CollectorType = analytics.LOG_FILE_DATA_COLLECTOR
		c.cfg.AnalyticsConfig.FileName = file
	}
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Development = viper.GetBool("development")
	return logger.Init(c.cfg.LogLevel, c.cfg.Development)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	defer logger.Sync()
	err = agent.Start()
	if err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-agent.Done():
	}
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "chatflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
