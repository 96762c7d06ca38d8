package dispatcher

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"tlsvcproxy/internal/shared/settings"
)

// processedRule binds a parsed routing rule to its resolved virtual
// decision, sorted by priority for fast sequential matching.
type processedRule struct {
	rule   *settings.Rule
	target string
}

// Dispatcher matches an inbound connection's (source, target) pair against
// the routing table and resolves it to one of the gateway's virtual
// decisions: DIRECT, REJECT, TERMINATE, or TUNNEL. It implements types.Dispatcher
// and settings.ConfigurableModule, so its routing table can be hot-reloaded
// through the SettingsManager.
type Dispatcher struct {
	mu            sync.RWMutex
	sortedRules   []*processedRule
	defaultTarget string
}

// New creates a Dispatcher seeded with the initial routing rules.
func New(initialRouting *settings.RoutingSettings) *Dispatcher {
	d := &Dispatcher{defaultTarget: "REJECT"}
	if initialRouting != nil {
		d.updateRoutingTables(initialRouting)
	}
	return d
}

// OnSettingsUpdate 实现了 settings.ConfigurableModule 接口。
func (d *Dispatcher) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != "routing" {
		return nil
	}
	cfg, ok := newSettings.(*settings.RoutingSettings)
	if !ok {
		return fmt.Errorf("dispatcher: received incorrect settings type for routing module")
	}
	d.updateRoutingTables(cfg)
	return nil
}

// Start and Stop exist so the Dispatcher can be treated uniformly alongside
// other services that carry background lifecycles; the rule matcher itself
// has none.
func (d *Dispatcher) Start() {}
func (d *Dispatcher) Stop()  {}

// Dispatch 是路由决策的核心入口。
func (d *Dispatcher) Dispatch(ctx context.Context, source net.Addr, target string) (string, error) {
	clientIPStr, _, _ := net.SplitHostPort(source.String())
	targetHost, _, _ := net.SplitHostPort(target)
	clientIP, err := netip.ParseAddr(clientIPStr)
	if err != nil {
		return "", fmt.Errorf("invalid source IP: %s", clientIPStr)
	}

	d.mu.RLock()
	rules := d.sortedRules
	d.mu.RUnlock()

	for _, pRule := range rules {
		rule := pRule.rule

		var matched bool
		var matchedValue string

		switch rule.Type {
		case string(settings.RuleTypeDomain):
			domainLower := strings.ToLower(targetHost)
			for _, pattern := range rule.Value {
				pLower := strings.ToLower(pattern)
				// 规则以 '.' 开头 (e.g., .baidu.com), 仅匹配子域名
				if strings.HasPrefix(pLower, ".") {
					if strings.HasSuffix(domainLower, pLower) {
						matched = true
					}
				} else { // 规则不以 '.' 开头 (e.g., baidu.com), 匹配自身和所有子域名
					if domainLower == pLower || strings.HasSuffix(domainLower, "."+pLower) {
						matched = true
					}
				}
				if matched {
					matchedValue = pattern
					break
				}
			}
		case string(settings.RuleTypeSourceIP):
			for _, val := range rule.Value {
				cidr := val
				if !strings.Contains(cidr, "/") {
					if ip := net.ParseIP(cidr); ip != nil {
						if ip.To4() != nil {
							cidr += "/32"
						} else {
							cidr += "/128"
						}
					}
				}

				prefix, err := netip.ParsePrefix(cidr)
				if err == nil && prefix.Contains(clientIP) {
					matched = true
					matchedValue = cidr
					break
				}
			}
		case string(settings.RuleTypeDestIP):
			var targetIP netip.Addr
			var parseErr error

			if targetIP, parseErr = netip.ParseAddr(targetHost); parseErr != nil {
				ips, lookupErr := net.LookupIP(targetHost)
				if lookupErr == nil {
					for _, ip := range ips {
						addr, ok := netip.AddrFromSlice(ip)
						if ok {
							targetIP = addr
							break // Use the first resolved IP
						}
					}
				}
			}

			if targetIP.IsValid() {
				for _, cidr := range rule.Value {
					prefix, err := netip.ParsePrefix(cidr)
					if err == nil && prefix.Contains(targetIP) {
						matched = true
						matchedValue = cidr
						break
					}
				}
			}
		}

		if matched {
			log.Ctx(ctx).Debug().
				Int("priority", rule.Priority).
				Str("type", rule.Type).
				Str("value", matchedValue).
				Str("target", pRule.target).
				Msg("Dispatcher: Matched routing rule.")
			return pRule.target, nil
		}
	}

	log.Ctx(ctx).Debug().Str("target", target).Str("decision", d.defaultTarget).
		Msg("Dispatcher: No rule matched, using default decision.")
	return d.defaultTarget, nil
}

// updateRoutingTables rebuilds the internal, priority-sorted rule list from
// the settings module's routing rules. Only rules whose target is one of
// the supported virtual decisions are kept.
func (d *Dispatcher) updateRoutingTables(cfg *settings.RoutingSettings) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug().Msg("Dispatcher: Rebuilding routing tables based on new settings...")

	allProcessedRules := make([]*processedRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		switch rule.Target {
		case "DIRECT", "REJECT", "TERMINATE", "TUNNEL":
		default:
			log.Warn().Str("target", rule.Target).Msg("Dispatcher: routing rule target is not a supported virtual decision, skipping rule.")
			continue
		}
		allProcessedRules = append(allProcessedRules, &processedRule{rule: rule, target: rule.Target})
	}

	// 根据优先级排序，值越小越优先
	sort.Slice(allProcessedRules, func(i, j int) bool {
		return allProcessedRules[i].rule.Priority < allProcessedRules[j].rule.Priority
	})

	d.sortedRules = allProcessedRules

	log.Debug().Int("rule_count", len(d.sortedRules)).Msg("Dispatcher: Routing tables updated successfully.")
}
