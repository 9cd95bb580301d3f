// config.go

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config 服务器配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Async      AsyncConfig      `mapstructure:"async"`
	Supply     SupplyConfig     `mapstructure:"supply"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// ServerConfig 服务器基本配置
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxMatches        int           `mapstructure:"max_matches"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig 对局结果事件流配置
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// AuthConfig 令牌认证配置
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// QueueConfig 匹配队列配置
type QueueConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RatingBand         int           `mapstructure:"rating_band"`
	BandWidenPerSecond int           `mapstructure:"band_widen_per_second"`
}

// SyncConfig 实时对局配置
type SyncConfig struct {
	BestOf                         int           `mapstructure:"best_of"`
	HintsPerPlayer                 int           `mapstructure:"hints_per_player"`
	RoundTimeLimit                 time.Duration `mapstructure:"round_time_limit"`
	ForfeitAfterDisconnectedRounds int           `mapstructure:"forfeit_after_disconnected_rounds"`
	AckTimeout                     time.Duration `mapstructure:"ack_timeout"`
	CleanupInterval                time.Duration `mapstructure:"cleanup_interval"`
}

// AsyncConfig 异步对局配置
type AsyncConfig struct {
	BestOf                 int           `mapstructure:"best_of"`
	TurnWindow             time.Duration `mapstructure:"turn_window"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	SweepBatch             int           `mapstructure:"sweep_batch"`
	InactivityWindow       time.Duration `mapstructure:"inactivity_window"`
	MissedTurnForfeitAfter int           `mapstructure:"missed_turn_forfeit_after"`
}

// SupplyConfig 题目供应重试配置
type SupplyConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	HintTimeout    time.Duration `mapstructure:"hint_timeout"`
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	KFactor       float64       `mapstructure:"k_factor"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryBatch    int           `mapstructure:"retry_batch"`
	Rewards       RewardConfig  `mapstructure:"rewards"`
}

// RewardConfig 经验与积分奖励表
type RewardConfig struct {
	ParticipationXP int           `mapstructure:"participation_xp"`
	WinXP           int           `mapstructure:"win_xp"`
	TieXP           int           `mapstructure:"tie_xp"`
	CorrectXP       int           `mapstructure:"correct_xp"`
	SpeedBonusXP    int           `mapstructure:"speed_bonus_xp"`
	SpeedThreshold  time.Duration `mapstructure:"speed_threshold"`
	StreakBonusXP   int           `mapstructure:"streak_bonus_xp"`
	StreakThreshold int           `mapstructure:"streak_threshold"`
	WinPoints       int           `mapstructure:"win_points"`
	TiePoints       int           `mapstructure:"tie_points"`
	CorrectPoints   int           `mapstructure:"correct_points"`
}

var (
	// GlobalConfig 全局配置实例
	GlobalConfig Config
)

// LoadConfig 从文件加载配置到全局实例
func LoadConfig(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}
	GlobalConfig = *cfg
	return nil
}

// Load 读取 .env、配置文件与 DUEL_ 前缀的环境变量，文件不存在时使用默认值
func Load(configPath string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, eris.Wrap(err, "无法读取配置文件")
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, eris.Wrap(err, "无法访问配置文件")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "无法解析配置文件")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.requests_per_minute", 120)
	v.SetDefault("server.max_matches", 10000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "law_duel")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "duel")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "duel.match.finished")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "law-duel")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("queue.sweep_interval", time.Second)
	v.SetDefault("queue.rating_band", 0)
	v.SetDefault("queue.band_widen_per_second", 0)

	v.SetDefault("sync.best_of", 7)
	v.SetDefault("sync.hints_per_player", 3)
	v.SetDefault("sync.round_time_limit", 20*time.Second)
	v.SetDefault("sync.forfeit_after_disconnected_rounds", 0)
	v.SetDefault("sync.ack_timeout", 10*time.Second)
	v.SetDefault("sync.cleanup_interval", 10*time.Second)

	v.SetDefault("async.best_of", 7)
	v.SetDefault("async.turn_window", 24*time.Hour)
	v.SetDefault("async.sweep_interval", time.Minute)
	v.SetDefault("async.sweep_batch", 100)
	v.SetDefault("async.inactivity_window", 0)
	v.SetDefault("async.missed_turn_forfeit_after", 0)

	v.SetDefault("supply.max_attempts", 3)
	v.SetDefault("supply.initial_backoff", 200*time.Millisecond)
	v.SetDefault("supply.max_backoff", 2*time.Second)
	v.SetDefault("supply.hint_timeout", 2*time.Second)

	v.SetDefault("settlement.k_factor", 32.0)
	v.SetDefault("settlement.retry_interval", 30*time.Second)
	v.SetDefault("settlement.retry_batch", 50)
	v.SetDefault("settlement.rewards.participation_xp", 10)
	v.SetDefault("settlement.rewards.win_xp", 25)
	v.SetDefault("settlement.rewards.tie_xp", 10)
	v.SetDefault("settlement.rewards.correct_xp", 5)
	v.SetDefault("settlement.rewards.speed_bonus_xp", 2)
	v.SetDefault("settlement.rewards.speed_threshold", 5*time.Second)
	v.SetDefault("settlement.rewards.streak_bonus_xp", 10)
	v.SetDefault("settlement.rewards.streak_threshold", 3)
	v.SetDefault("settlement.rewards.win_points", 3)
	v.SetDefault("settlement.rewards.tie_points", 1)
	v.SetDefault("settlement.rewards.correct_points", 1)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Sync.BestOf < 1 {
		return eris.Errorf("sync.best_of 必须大于0: %d", c.Sync.BestOf)
	}
	if c.Async.BestOf < 1 {
		return eris.Errorf("async.best_of 必须大于0: %d", c.Async.BestOf)
	}
	if c.Sync.HintsPerPlayer < 0 {
		return eris.Errorf("sync.hints_per_player 不能为负: %d", c.Sync.HintsPerPlayer)
	}
	if c.Sync.RoundTimeLimit <= 0 {
		return eris.New("sync.round_time_limit 必须为正")
	}
	if c.Async.TurnWindow <= 0 {
		return eris.New("async.turn_window 必须为正")
	}
	if c.Sync.ForfeitAfterDisconnectedRounds < 0 || c.Async.MissedTurnForfeitAfter < 0 {
		return eris.New("判负阈值不能为负")
	}
	if c.Supply.MaxAttempts < 1 {
		return eris.Errorf("supply.max_attempts 必须大于0: %d", c.Supply.MaxAttempts)
	}
	if c.Auth.JWTSecret == "" && !c.Server.Debug {
		return eris.New("非调试模式下必须配置 auth.jwt_secret")
	}
	return nil
}

// GetDSN 获取PostgreSQL连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetRedisAddr 获取Redis连接地址
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
