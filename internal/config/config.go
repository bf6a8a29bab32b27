package config

import "time"

type PostgresConfig struct {
	DSN             string        `env:"PG_DSN"`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" default:"10"`
	ConnMaxIdleTime time.Duration `env:"PG_CONN_MAX_IDLE_TIME" default:"5m"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" default:"30m"`
}

// RedisConfig leaves Addr empty to run the window counters in memory.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" default:""`
	Password string `env:"REDIS_PASSWORD" default:""`
	DB       int    `env:"REDIS_DB" default:"0"`
	Prefix   string `env:"REDIS_KEY_PREFIX" default:"ticketeconomy:"`
}

// KafkaConfig leaves Brokers empty to publish events to the log only.
type KafkaConfig struct {
	Brokers     []string `env:"KAFKA_BROKERS" default:""`
	ClientID    string   `env:"KAFKA_CLIENT_ID" default:"ticket-economy"`
	AuditTopic  string   `env:"KAFKA_AUDIT_TOPIC" default:"wallet.audit"`
	NotifyTopic string   `env:"KAFKA_NOTIFY_TOPIC" default:"wallet.balance"`
	MaxRetries  int      `env:"KAFKA_MAX_RETRIES" default:"3"`
}

type WalletConfig struct {
	MaxAmount      int64 `env:"WALLET_MAX_AMOUNT" default:"1000000"`
	AsyncWorkers   int   `env:"WALLET_ASYNC_WORKERS" default:"4"`
	AsyncQueueSize int   `env:"WALLET_ASYNC_QUEUE_SIZE" default:"256"`
}

type RetryConfig struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" default:"50"`
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY" default:"5ms"`
	MaxDelay    time.Duration `env:"RETRY_MAX_DELAY" default:"250ms"`
	Jitter      float64       `env:"RETRY_JITTER" default:"0.5"`
}

type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	Window           time.Duration `env:"BREAKER_WINDOW" default:"30s"`
	Cooldown         time.Duration `env:"BREAKER_COOLDOWN" default:"10s"`
}

// RateLimitConfig limits are per account and operation class inside Window.
type RateLimitConfig struct {
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" default:"1m"`
	DepositLimit  int64         `env:"RATE_LIMIT_DEPOSIT" default:"30"`
	WithdrawLimit int64         `env:"RATE_LIMIT_WITHDRAW" default:"30"`
	PurchaseLimit int64         `env:"RATE_LIMIT_PURCHASE" default:"20"`
	DefaultLimit  int64         `env:"RATE_LIMIT_DEFAULT" default:"60"`
}

type FraudConfig struct {
	VelocityWindow time.Duration `env:"FRAUD_VELOCITY_WINDOW" default:"1m"`
	VelocityMax    int64         `env:"FRAUD_VELOCITY_MAX" default:"10"`

	HistorySize int     `env:"FRAUD_HISTORY_SIZE" default:"50"`
	MinSamples  int     `env:"FRAUD_MIN_SAMPLES" default:"5"`
	MaxZScore   float64 `env:"FRAUD_MAX_Z_SCORE" default:"3"`
	MinRelStd   float64 `env:"FRAUD_MIN_REL_STD" default:"1"`

	QuietHoursStart    int           `env:"FRAUD_QUIET_HOURS_START" default:"2"`
	QuietHoursEnd      int           `env:"FRAUD_QUIET_HOURS_END" default:"5"`
	MinAccountAge      time.Duration `env:"FRAUD_MIN_ACCOUNT_AGE" default:"24h"`
	RapidWindow        time.Duration `env:"FRAUD_RAPID_WINDOW" default:"10m"`
	RapidWithdrawRatio float64       `env:"FRAUD_RAPID_WITHDRAW_RATIO" default:"0.8"`
	HourWeight         float64       `env:"FRAUD_HOUR_WEIGHT" default:"0.2"`
	NewAccountWeight   float64       `env:"FRAUD_NEW_ACCOUNT_WEIGHT" default:"0.3"`
	RapidWeight        float64       `env:"FRAUD_RAPID_WEIGHT" default:"0.5"`
	BehaviorThreshold  float64       `env:"FRAUD_BEHAVIOR_THRESHOLD" default:"0.7"`
}

type RewardConfig struct {
	Participation    int64   `env:"REWARD_PARTICIPATION" default:"10"`
	WinBonus         int64   `env:"REWARD_WIN_BONUS" default:"25"`
	StreakThresholds []int64 `env:"REWARD_STREAK_THRESHOLDS" default:"3,5,10"`
	StreakBonus      int64   `env:"REWARD_STREAK_BONUS" default:"20"`
	UnderdogGap      int64   `env:"REWARD_UNDERDOG_GAP" default:"100"`
	UnderdogBonus    int64   `env:"REWARD_UNDERDOG_BONUS" default:"15"`
	StreakBreakerMin int64   `env:"REWARD_STREAK_BREAKER_MIN" default:"3"`
	StreakBreaker    int64   `env:"REWARD_STREAK_BREAKER_BONUS" default:"30"`
	GiantSlayerGap   int64   `env:"REWARD_GIANT_SLAYER_GAP" default:"200"`

	FirstMatchReward   int64 `env:"REWARD_ACH_FIRST_MATCH" default:"10"`
	FirstWinReward     int64 `env:"REWARD_ACH_FIRST_WIN" default:"25"`
	GiantSlayerReward  int64 `env:"REWARD_ACH_GIANT_SLAYER" default:"50"`
	StreakMasterReward int64 `env:"REWARD_ACH_STREAK" default:"40"`
	DefaultAchievement int64 `env:"REWARD_ACH_DEFAULT" default:"20"`

	MatchSourceURL     string        `env:"MATCH_SOURCE_URL" default:""`
	MatchSourceTimeout time.Duration `env:"MATCH_SOURCE_TIMEOUT" default:"3s"`
}
