package calculator

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"nexus-settlement/internal/service/settlement/domain"
)

// RuleMatcher 判断订单行是否满足活动的匹配规则：GroupTag 标签匹配，外加可选的 CEL 表达式。
// 编译后的程序按表达式缓存；求值没有副作用。
type RuleMatcher struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewRuleMatcher() (*RuleMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create CEL environment")
	}
	return &RuleMatcher{env: env, programs: make(map[string]cel.Program)}, nil
}

// Validate 检查活动是否带有可用的匹配规则。
func (m *RuleMatcher) Validate(c domain.Campaign) error {
	if c.GroupTag == "" && c.MatchExpr == "" {
		return domain.ConfigError("campaign %s has no matching rule", c.ID)
	}
	if c.MatchExpr != "" {
		if _, err := m.program(c.MatchExpr); err != nil {
			return domain.ConfigError("campaign %s: %v", c.ID, err)
		}
	}
	return nil
}

// Matches 在 Validate 通过后调用。
func (m *RuleMatcher) Matches(c domain.Campaign, item domain.LineItem, event *domain.CompletionEvent) (bool, error) {
	if c.GroupTag != "" && !item.HasTag(c.GroupTag) {
		return false, nil
	}
	if c.MatchExpr == "" {
		return true, nil
	}

	prg, err := m.program(c.MatchExpr)
	if err != nil {
		return false, domain.ConfigError("campaign %s: %v", c.ID, err)
	}
	out, _, err := prg.Eval(map[string]any{
		"item":  itemFacts(item),
		"order": orderFacts(event),
	})
	if err != nil {
		return false, domain.ConfigError("campaign %s: evaluate match rule: %v", c.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, domain.ConfigError("campaign %s: match rule returned %T, want bool", c.ID, out.Value())
	}
	return matched, nil
}

func (m *RuleMatcher) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, hit := m.programs[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.programs[expr]; hit {
		return prg, nil
	}
	ast, iss := m.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrap(iss.Err(), "compile match rule")
	}
	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build match rule program")
	}
	m.programs[expr] = prg
	return prg, nil
}

func itemFacts(item domain.LineItem) map[string]any {
	tags := make([]string, len(item.GroupTags))
	copy(tags, item.GroupTags)
	price, _ := item.UnitPrice.Float64()
	discount, _ := item.DiscountPct.Float64()
	return map[string]any{
		"productRef":  item.ProductRef,
		"quantity":    item.Quantity,
		"unitPrice":   price,
		"discountPct": discount,
		"tags":        tags,
		"kind":        string(item.Kind),
	}
}

func orderFacts(event *domain.CompletionEvent) map[string]any {
	return map[string]any{
		"currency":      event.Currency,
		"affiliateCode": event.AffiliateCode,
		"channel":       string(event.SourceChannel),
	}
}
