package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
		SlowThreshold   time.Duration `mapstructure:"slowThreshold"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		GroupID string   `mapstructure:"groupId"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Collab struct {
		ReplicaID         string        `mapstructure:"replicaId"`
		QueueSize         int           `mapstructure:"queueSize"`
		SubscriberBuffer  int           `mapstructure:"subscriberBuffer"`
		ConflictWindow    int           `mapstructure:"conflictWindow"`
		ConcurrencyWindow time.Duration `mapstructure:"concurrencyWindow"`
		Strategy          string        `mapstructure:"strategy"`
		MaxPending        int           `mapstructure:"maxPending"`
		PresenceTTL       time.Duration `mapstructure:"presenceTTL"`
		SendConcurrency   int           `mapstructure:"sendConcurrency"`
	} `mapstructure:"Collab"`
	WebRTC struct {
		Enabled     bool     `mapstructure:"enabled"`
		StunServers []string `mapstructure:"stunServers"`
		// 启动时主动握手的其它副本（http 基地址）
		Peers []string `mapstructure:"peers"`
	} `mapstructure:"WebRTC"`
	Cors struct {
		Enabled      bool     `mapstructure:"enabled"`
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"Cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Kafka.Topic", "collab-ops")
	v.SetDefault("Kafka.groupId", "collab-engine")
	v.SetDefault("Auth.secret", "dev-secret")
	v.SetDefault("Collab.queueSize", 1000)
	v.SetDefault("Collab.subscriberBuffer", 256)
	v.SetDefault("Collab.conflictWindow", 100)
	v.SetDefault("Collab.strategy", "user_priority")
	v.SetDefault("Collab.maxPending", 1024)
	v.SetDefault("Collab.presenceTTL", 60*time.Second)
	v.SetDefault("Collab.sendConcurrency", 64)
	v.SetDefault("WebRTC.stunServers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("Cors.allowOrigins", []string{"http://localhost:5173"})
}

// Load 读取 collabConfig.yaml；兼容从项目根目录或 backend 目录启动。
// 找不到配置文件时只用默认值（加上 COLLAB_ 前缀的环境变量）。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
