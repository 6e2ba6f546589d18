package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	MySQL      MySQLConfig     `mapstructure:"mysql"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	ETCD       ETCDConfig      `mapstructure:"etcd"`
	Lock       LockConfig      `mapstructure:"lock"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	GraphQL    GraphQLConfig   `mapstructure:"graphql"`
	Log        LogConfig       `mapstructure:"log"`
	Reputation map[string]int  `mapstructure:"reputation"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 缓存与排行榜使用的Redis
	DataAddress    string        `mapstructure:"data_address"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	PoolSize       int           `mapstructure:"pool_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TallyTTL       time.Duration `mapstructure:"tally_ttl"`
	LeaderboardTTL time.Duration `mapstructure:"leaderboard_ttl"`
	// 提交后延迟二次删除票数缓存的间隔
	TallyRedeleteDelay time.Duration `mapstructure:"tally_redelete_delay"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	GroupID   string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 分布式锁配置，backend 取值 etcd 或 redis
type LockConfig struct {
	Backend    string        `mapstructure:"backend"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var AppConfig Config

// DefaultReputation 默认声望规则
var DefaultReputation = map[string]int{
	"question_upvote":   5,
	"question_downvote": -2,
	"answer_upvote":     10,
	"answer_downvote":   -2,
	"review_upvote":     3,
	"review_downvote":   -1,
	"answer_accepted":   15,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.tally_ttl", 10*time.Minute)
	v.SetDefault("redis.leaderboard_ttl", 30*time.Second)
	v.SetDefault("redis.tally_redelete_delay", 500*time.Millisecond)
	v.SetDefault("kafka.topic", "forum-votes")
	v.SetDefault("kafka.group_id", "littleforum")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("lock.backend", "etcd")
	v.SetDefault("lock.timeout", 10*time.Second)
	v.SetDefault("lock.retry_count", 3)
	v.SetDefault("reconcile.interval", 5*time.Minute)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	for key, points := range DefaultReputation {
		v.SetDefault("reputation."+key, points)
	}
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LITTLEFORUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	AppConfig = cfg
	return &AppConfig, nil
}
