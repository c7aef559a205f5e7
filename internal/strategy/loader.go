package strategy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orderpilot/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var ruleFileSchema string

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

// Snapshot 是某次加载成功后的规则目录。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Path     string
	Catalog  *Catalog
}

// ChangeListener 在规则文件重载成功后触发。
type ChangeListener func(Snapshot)

// Loader 读取规则文件并监听变更；编译失败时保留旧快照。
type Loader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewLoader 读取规则文件；watch=true 时通过 fsnotify 热重载。
func NewLoader(path string, watch bool) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy loader requires rules path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rule file failed: %w", err)
	}
	l := &Loader{path: path, v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if watch {
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := l.reload(); err != nil {
				logger.Errorf("[strategy] reload %s failed, keeping v%d: %v", evt.Name, l.Snapshot().Version, err)
				return
			}
			l.notifyListeners()
		})
		v.WatchConfig()
	}
	return l, nil
}

// Snapshot 返回当前快照（目录本身不可变，可直接共享）。
func (l *Loader) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// OnChange 注册监听器。
func (l *Loader) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Reload 手动重载（API/测试使用）。
func (l *Loader) Reload() error {
	if err := l.reload(); err != nil {
		return err
	}
	l.notifyListeners()
	return nil
}

func (l *Loader) reload() error {
	spec, err := ReadRuleFile(l.path)
	if err != nil {
		return err
	}
	catalog, err := CompileFile(spec)
	if err != nil {
		return fmt.Errorf("compile rule file failed: %w", err)
	}
	l.mu.Lock()
	l.snapshot = Snapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Path:     l.path,
		Catalog:  catalog,
	}
	version := l.snapshot.Version
	l.mu.Unlock()
	logger.Infof("[strategy] loaded %d rule sets from %s (v%d)", len(catalog.Names()), filepath.Base(l.path), version)
	return nil
}

func (l *Loader) notifyListeners() {
	l.mu.RLock()
	snap := l.snapshot
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy listener")
			cb(snap)
		}(fn)
	}
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

// ReadRuleFile 严格解码 YAML/JSON 规则文件并做 schema 校验。
func ReadRuleFile(path string) (FileSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileSpec{}, fmt.Errorf("read rule file failed: %w", err)
	}
	return ParseRuleFile(raw)
}

// ParseRuleFile 与 ReadRuleFile 相同，但直接接收内容。JSON 是 YAML 的子集，可共用解码器。
func ParseRuleFile(raw []byte) (FileSpec, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return FileSpec{}, fmt.Errorf("parse rule file failed: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return FileSpec{}, fmt.Errorf("rule file schema: %w", err)
	}
	var spec FileSpec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return FileSpec{}, fmt.Errorf("parse rule file failed: %w", err)
	}
	return spec, nil
}

func validateSchema(doc any) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rules.json", strings.NewReader(ruleFileSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("rules.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	// yaml 解出的 map[string]any / int 需要经过一次 JSON 往返才能被 jsonschema 接受。
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return err
	}
	return schemaCompiled.Validate(normalized)
}
