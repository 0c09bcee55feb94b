// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/nacos"
)

// Config 是所有服务共享的配置骨架。服务自己的配置段通过 UnmarshalSection 读取。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`
	// Register 为 false 时不向 Nacos 注册实例，本地调试用。
	Register bool `yaml:"register"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	// DataID 不为空时，从配置中心读取同结构的 YAML 覆盖本地文件。
	DataID string `yaml:"dataId"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
}

type MySQLConfig struct {
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

func defaultConfig(name string) Config {
	return Config{
		App: AppConfig{Name: name, Port: 8080, LogLevel: "info", Register: true},
		Infra: InfraConfig{
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Nacos:     NacosConfig{Addrs: "localhost:8848", Group: "DEFAULT_GROUP"},
			Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}},
			Redis:     RedisConfig{Addrs: "localhost:6379"},
			Zookeeper: ZookeeperConfig{SessionTimeout: 10 * time.Second},
		},
	}
}

// Validate 只检查所有服务都依赖的字段。
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("config: app.name is required")
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return errors.Errorf("config: app.port %d out of range", c.App.Port)
	}
	if c.Infra.Jaeger.SampleRatio < 0 || c.Infra.Jaeger.SampleRatio > 1 {
		return errors.Errorf("config: infra.jaeger.sampleRatio %v must be within [0, 1]", c.Infra.Jaeger.SampleRatio)
	}
	return nil
}

type snapshot struct {
	cfg *Config
	doc []byte
}

var (
	mu      sync.RWMutex
	current = snapshot{cfg: func() *Config { c := defaultConfig(""); return &c }()}
	// defaultName 是 Init 传入的服务名，配置文件未指定 app.name 时使用。
	defaultName string

	// nacosConfigClient 在启用配置中心时创建，StartService 关停时关闭。
	nacosConfigClient *nacos.Client
)

// GetCurrentConfig 返回当前生效的配置。配置中心推送变更后返回新值。
func GetCurrentConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current.cfg
}

// UnmarshalSection 把当前配置文档里的顶层 key 解码到 out，out 中已有的值作为默认值保留。
func UnmarshalSection(key string, out interface{}) error {
	mu.RLock()
	doc := current.doc
	mu.RUnlock()
	return decodeSection(doc, key, out)
}

func decodeSection(doc []byte, key string, out interface{}) error {
	if len(doc) == 0 {
		return nil
	}
	var root map[string]yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return errors.Wrap(err, "parse config document")
	}
	node, ok := root[key]
	if !ok {
		return nil
	}
	return errors.Wrapf(node.Decode(out), "decode config section %q", key)
}

// Init 按 本地文件 → 配置中心 → 环境变量 的顺序加载配置。
// path 为空时读取 CONFIG_FILE，仍为空则只使用默认值和环境变量。
func Init(serviceName, path string) error {
	ctx := context.Background()
	defaultName = serviceName
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	var doc []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read config file %s", path)
		}
		doc = raw
	}
	fileDoc := doc
	cfg, err := load(doc)
	if err != nil {
		return err
	}

	if cfg.Infra.Nacos.DataID != "" {
		client, err := nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return err
		}
		nacosConfigClient = client
		remote, err := client.GetConfig(cfg.Infra.Nacos.DataID)
		if err != nil {
			return err
		}
		if remote != "" {
			doc = mergeDocuments(doc, []byte(remote))
			if cfg, err = load(doc); err != nil {
				return errors.Wrap(err, "apply nacos config")
			}
			logger.Ctx(ctx).Info().Str("dataId", cfg.Infra.Nacos.DataID).Msg("✅ Config loaded from Nacos.")
		}
		err = client.ListenConfig(cfg.Infra.Nacos.DataID, func(content string) {
			onRemoteChange(fileDoc, content)
		})
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("⚠️ could not watch nacos config, changes need a restart")
		}
	}

	store(cfg, doc)
	return nil
}

func onRemoteChange(local []byte, content string) {
	doc := mergeDocuments(local, []byte(content))
	cfg, err := load(doc)
	if err != nil {
		logger.Ctx(context.Background()).Error().Err(err).Msg("❌ rejected invalid config pushed from Nacos")
		return
	}
	store(cfg, doc)
	logger.Ctx(context.Background()).Info().Msg("🔄 Config reloaded from Nacos.")
}

func store(cfg *Config, doc []byte) {
	mu.Lock()
	current = snapshot{cfg: cfg, doc: doc}
	mu.Unlock()
}

func load(doc []byte) (*Config, error) {
	cfg := defaultConfig(defaultName)
	if len(doc) > 0 {
		if err := yaml.Unmarshal(doc, &cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeDocuments 用 overlay 的顶层 key 覆盖 base；两边都是映射的 key 递归合并。
func mergeDocuments(base, overlay []byte) []byte {
	var b, o map[string]interface{}
	if err := yaml.Unmarshal(base, &b); err != nil || b == nil {
		b = map[string]interface{}{}
	}
	if err := yaml.Unmarshal(overlay, &o); err != nil {
		logger.Ctx(context.Background()).Warn().Err(err).Msg("⚠️ ignoring unparsable remote config")
		return base
	}
	if err := checkOverlay(o); err != nil {
		logger.Ctx(context.Background()).Warn().Err(err).Msg("⚠️ ignoring malformed remote config")
		return base
	}
	merged, err := yaml.Marshal(mergeMaps(b, o))
	if err != nil {
		return base
	}
	return merged
}

// checkOverlay 要求顶层每个 key 都是配置段（映射），并严格校验 app 与 infra 段的字段名。
func checkOverlay(o map[string]interface{}) error {
	for k, v := range o {
		if v == nil {
			continue
		}
		if _, ok := v.(map[string]interface{}); !ok {
			return errors.Errorf("top-level key %q is not a config section", k)
		}
	}
	known := map[string]interface{}{}
	for _, k := range []string{"app", "infra"} {
		if v, ok := o[k]; ok {
			known[k] = v
		}
	}
	if len(known) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(known)
	if err != nil {
		return errors.Wrap(err, "re-encode remote config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	return errors.Wrap(dec.Decode(&cfg), "remote config does not match the config schema")
}

func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	for k, v := range overlay {
		if om, ok := v.(map[string]interface{}); ok {
			if bm, ok := base[k].(map[string]interface{}); ok {
				base[k] = mergeMaps(bm, om)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// applyEnv 环境变量优先级最高，便于容器部署时覆盖连接地址与凭据。
func applyEnv(c *Config) {
	c.App.Name = getEnv("SERVICE_NAME", c.App.Name)
	c.App.Port = getEnvInt("SERVICE_PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)

	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.Addrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.Infra.Nacos.DataID = getEnv("NACOS_DATA_ID", c.Infra.Nacos.DataID)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Infra.Kafka.Brokers = splitList(v)
	}
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.Redis.Password = getEnv("REDIS_PASSWORD", c.Infra.Redis.Password)
	c.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", c.Infra.MySQL.Addr)
	c.Infra.MySQL.User = getEnv("MYSQL_USER", c.Infra.MySQL.User)
	c.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", c.Infra.MySQL.Password)
	c.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", c.Infra.MySQL.Database)
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		c.Infra.Zookeeper.Servers = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Ctx(context.Background()).Warn().Str("key", key).Str("value", v).Msg("⚠️ ignoring non-numeric env override")
		return fallback
	}
	return n
}
