package config

import (
	"github.com/spf13/viper"
	"github.com/wheval/sendpay-sub000/internal/logger"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Fiat     FiatConfig     `mapstructure:"fiat"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// LedgerConfig 结算合约与链节点配置
type LedgerConfig struct {
	RpcUrl          string `mapstructure:"rpc_url"`          // 链节点RPC地址
	ChainId         string `mapstructure:"chain_id"`         // 链ID（签名域绑定用）
	ContractAddress string `mapstructure:"contract_address"` // 结算合约地址
	SignerKey       string `mapstructure:"signer_key"`       // 后端签名私钥
	TokenDecimals   int32  `mapstructure:"token_decimals"`   // 结算代币精度
	AccountAddress  string `mapstructure:"account_address"`  // 提交交易用的链上账户地址
	AccountKey      string `mapstructure:"account_key"`      // 链上账户私钥（Stark曲线）
	MaxFee          string `mapstructure:"max_fee"`          // 单笔交易最大手续费
}

// FiatConfig 出金通道配置
type FiatConfig struct {
	BaseUrl       string `mapstructure:"base_url"`       // 通道API地址
	SecretKey     string `mapstructure:"secret_key"`     // API密钥
	WebhookSecret string `mapstructure:"webhook_secret"` // webhook签名共享密钥
	Currency      string `mapstructure:"currency"`       // 出金币种
	MinPayout     int64  `mapstructure:"min_payout"`     // 最小出金金额（最小货币单位）
	StaticRate    string `mapstructure:"static_rate"`    // 兜底汇率（1代币对应的法币）
	RateTTL       int    `mapstructure:"rate_ttl"`       // 汇率缓存秒数
}

// WatcherConfig 扫链配置
type WatcherConfig struct {
	Name          string `mapstructure:"name"`            // 检查点键，一个合约部署只能有一个扫链实例
	Interval      int    `mapstructure:"interval"`        // 轮询间隔（秒）
	StartBlock    uint64 `mapstructure:"start_block"`     // 合约部署区块号
	ReorgBackoff  uint64 `mapstructure:"reorg_backoff"`   // 重启回退区块数
	MaxBlockRange uint64 `mapstructure:"max_block_range"` // 单次拉取的最大区块跨度
}

// SweepConfig 对账任务配置
type SweepConfig struct {
	Interval     int  `mapstructure:"interval"`       // 执行间隔（秒）
	BatchSize    int  `mapstructure:"batch_size"`     // 单轮处理条数
	MaxRetries   int  `mapstructure:"max_retries"`    // 单笔交易最大重试次数
	Workers      int  `mapstructure:"workers"`        // 并发worker数
	RunAtStartup bool `mapstructure:"run_at_startup"` // 启动时是否先跑一轮
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sendpay")

	// 设置默认值
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "sendpay")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("ledger.token_decimals", 6)
	viper.SetDefault("ledger.max_fee", "0x2386f26fc10000")
	viper.SetDefault("fiat.currency", "NGN")
	viper.SetDefault("fiat.min_payout", 10000)
	viper.SetDefault("fiat.rate_ttl", 300)
	viper.SetDefault("watcher.name", "settlement")
	viper.SetDefault("watcher.interval", 15)
	viper.SetDefault("watcher.reorg_backoff", 5)
	viper.SetDefault("watcher.max_block_range", 500)
	viper.SetDefault("sweep.interval", 300)
	viper.SetDefault("sweep.batch_size", 20)
	viper.SetDefault("sweep.max_retries", 5)
	viper.SetDefault("sweep.workers", 4)
	viper.SetDefault("sweep.run_at_startup", false)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.file", "logs/app.log")

	// 自动读取环境变量
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}

// MustValidate 启动期配置校验，缺失关键配置直接退出
func (c *Config) MustValidate() {
	if c.Ledger.RpcUrl == "" {
		logger.Fatal("ledger.rpc_url is required")
	}
	if c.Ledger.ContractAddress == "" {
		logger.Fatal("ledger.contract_address is required")
	}
	if c.Ledger.SignerKey == "" {
		logger.Fatal("ledger.signer_key is required")
	}
	if c.Ledger.ChainId == "" {
		logger.Fatal("ledger.chain_id is required")
	}
	if c.Ledger.AccountAddress == "" {
		logger.Fatal("ledger.account_address is required")
	}
	if c.Ledger.AccountKey == "" {
		logger.Fatal("ledger.account_key is required")
	}
	if c.Fiat.WebhookSecret == "" {
		logger.Fatal("fiat.webhook_secret is required")
	}
}
