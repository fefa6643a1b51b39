package server

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"coopsync/toggle"
)

// Config 进程与房间的默认配置，从 COOPSYNC_ 前缀的环境变量读取
type Config struct {
	Addr               string   `env:"ADDR" envDefault:":8080"`
	LogFile            string   `env:"LOG_FILE" envDefault:"app.log"`
	TickRate           int      `env:"TICK_RATE" envDefault:"20"`
	SlotCount          int      `env:"SLOT_COUNT" envDefault:"2"`
	Objects            []string `env:"OBJECTS" envSeparator:"," envDefault:"bridge-1:fix,platform-1:freeze"`
	JournalPath        string   `env:"JOURNAL_PATH"`
	CommandRate        float64  `env:"COMMAND_RATE" envDefault:"10"`
	CommandBurst       int      `env:"COMMAND_BURST" envDefault:"20"`
	MaxCommandsPerTick int      `env:"MAX_COMMANDS_PER_TICK" envDefault:"64"`
	SimulateDropProb   float64  `env:"SIMULATE_DROP_PROB" envDefault:"0"`
}

// ObjectSpec 启动时生成的可交互物体：id:kind[:active]
type ObjectSpec struct {
	ID     string
	Kind   toggle.Kind
	Active bool
}

// LoadConfig 解析环境变量并校验
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "COOPSYNC_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DefaultConfig 不读取环境变量的默认值，便于测试与嵌入
func DefaultConfig() Config {
	var cfg Config
	// 只解析 envDefault：Environment 置空
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

func (c Config) Validate() error {
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return fmt.Errorf("config: tick rate %d out of range (1..1000)", c.TickRate)
	}
	if c.SlotCount <= 0 || c.SlotCount >= 255 {
		return fmt.Errorf("config: slot count %d out of range (1..254)", c.SlotCount)
	}
	if c.SimulateDropProb < 0 || c.SimulateDropProb >= 1 {
		return fmt.Errorf("config: simulate drop probability %.2f out of range [0,1)", c.SimulateDropProb)
	}
	if c.CommandRate < 0 || c.CommandBurst < 0 || c.MaxCommandsPerTick < 0 {
		return fmt.Errorf("config: negative command limits")
	}
	_, err := c.ObjectSpecs()
	return err
}

// ObjectSpecs 解析 Objects 列表
func (c Config) ObjectSpecs() ([]ObjectSpec, error) {
	specs := make([]ObjectSpec, 0, len(c.Objects))
	seen := make(map[string]bool, len(c.Objects))
	for _, raw := range c.Objects {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("config: object %q: want id:kind[:active]", raw)
		}
		kind, err := toggle.ParseKind(parts[1])
		if err != nil {
			return nil, fmt.Errorf("config: object %q: %w", raw, err)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("config: object %q: duplicate id", raw)
		}
		seen[parts[0]] = true
		spec := ObjectSpec{ID: parts[0], Kind: kind}
		if len(parts) == 3 {
			switch strings.ToLower(parts[2]) {
			case "active", "on", "1":
				spec.Active = true
			case "inactive", "off", "0":
			default:
				return nil, fmt.Errorf("config: object %q: unknown initial state %q", raw, parts[2])
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
