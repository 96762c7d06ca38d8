package settings

// RuleType 定义了路由规则的类型
type RuleType string

const (
	RuleTypeSourceIP RuleType = "source_ip"
	RuleTypeDestIP   RuleType = "dest_ip"
	RuleTypeDomain   RuleType = "domain"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 它定义了一个标准的回调方法，当相关配置发生变更时，SettingsManager会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "routing", "logging")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针 (e.g., *RoutingSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 它以模块化的方式组织了所有可以在运行时被动态修改的配置。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Routing *RoutingSettings `json:"routing"`
	Logging *LoggingSettings `json:"logging"`
}

type Rule struct {
	Priority int      `json:"priority"`        // Lower value means higher priority
	Type     string   `json:"type"`            // e.g., "domain", "source_ip"
	Value    []string `json:"value,omitempty"` // e.g., [".google.com"], ["192.168.1.0/24", "10.0.0.0/8"]
	Target   string   `json:"target"`          // "DIRECT", "REJECT", "TERMINATE" or "TUNNEL"
}

// RoutingSettings 对应 settings.json 中的 "routing" 模块。
type RoutingSettings struct {
	Rules []*Rule `json:"rules"` // 包含所有路由规则的列表
}

// LoggingSettings 对应 settings.json 中的 "logging" 模块 (占位符)。
type LoggingSettings struct {
	// TODO: 在未来迭代中具体实现
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Routing: &RoutingSettings{Rules: []*Rule{}},
		Logging: &LoggingSettings{},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Routing == nil {
		s.Routing = &RoutingSettings{Rules: []*Rule{}}
	}
	if s.Logging == nil {
		s.Logging = &LoggingSettings{}
	}
}
