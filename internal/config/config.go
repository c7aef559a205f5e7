package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath 指定配置文件路径，未设置时使用 DefaultPath。
	EnvConfigPath = "ORDERPILOT_CONFIG"
	DefaultPath   = "configs/config.yaml"

	// envPrefix: ORDERPILOT_RISK_DAILY_LOSS_LIMIT_PCT 覆盖 risk.daily_loss_limit_pct（仅限文件中已出现的键）。
	envPrefix = "ORDERPILOT"
)

// ResolvePath 优先级：命令行参数 > ORDERPILOT_CONFIG > 默认路径。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 读取 .env（若存在），按 include 展开顺序合并 YAML，再填默认值并校验。
// 后合并的文件覆盖先合并的，入口文件最后合并。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	entry, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var files []string
	if err := expandIncludes(entry, nil, map[string]bool{}, &files); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, file := range files {
		part, err := readFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := v.MergeConfigMap(part.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}

// expandIncludes 深度优先展开 include，被引用文件排在引用者之前；chain 为当前递归路径，用于发现环。
func expandIncludes(path string, chain []string, done map[string]bool, out *[]string) error {
	path = filepath.Clean(path)
	for _, p := range chain {
		if p == path {
			return fmt.Errorf("include cycle detected: %s", strings.Join(append(chain, path), " -> "))
		}
	}
	if done[path] {
		return nil
	}
	v, err := readFile(path)
	if err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	if raw := v.Get("include"); raw != nil {
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("include must be a string array (%s)", path)
		}
	}
	chain = append(chain, path)
	for _, inc := range v.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := expandIncludes(inc, chain, done, out); err != nil {
			return err
		}
	}
	done[path] = true
	*out = append(*out, path)
	return nil
}
