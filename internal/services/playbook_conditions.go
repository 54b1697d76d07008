package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"upliftcs/internal/models"

	"github.com/Knetic/govaluate"
)

// ExpressionKey 条件中使用 govaluate 表达式的键
const ExpressionKey = "expression"

// ConditionEvaluator 评估剧本触发条件和条件步骤
type ConditionEvaluator struct {
	now func() time.Time
}

func NewConditionEvaluator(now func() time.Time) *ConditionEvaluator {
	if now == nil {
		now = time.Now
	}
	return &ConditionEvaluator{now: now}
}

// Matches 评估失败视为不满足
func (e *ConditionEvaluator) Matches(customer *models.Customer, raw []byte) bool {
	ok, err := e.Evaluate(customer, raw)
	return err == nil && ok
}

// Evaluate 解析 JSON 条件并逐项检查，空条件视为满足
func (e *ConditionEvaluator) Evaluate(customer *models.Customer, raw []byte) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return true, nil
	}
	var conditions map[string]interface{}
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return false, fmt.Errorf("解析条件失败: %w", err)
	}
	return e.EvaluateMap(customer, conditions)
}

// EvaluateMap 所有条件都满足才返回 true
func (e *ConditionEvaluator) EvaluateMap(customer *models.Customer, conditions map[string]interface{}) (bool, error) {
	now := e.now()
	fields, err := customerFields(customer)
	if err != nil {
		return false, err
	}
	ageDays := float64(customer.AgeDays(now))

	for key, value := range conditions {
		switch key {
		case "customer_age_days":
			if bounds, ok := value.(map[string]interface{}); ok {
				if !withinBounds(ageDays, bounds) {
					return false, nil
				}
			} else if n, ok := toFloat(value); !ok || n != ageDays {
				return false, nil
			}

		case "last_login_days":
			bounds, isBounds := value.(map[string]interface{})
			if customer.LastLogin == nil {
				// 从未登录视为无限天，只能满足下限
				if isBounds {
					if _, hasMin := bounds["min"]; hasMin {
						continue
					}
				}
				return false, nil
			}
			if isBounds && !withinBounds(float64(models.DaysSince(customer.LastLogin, now)), bounds) {
				return false, nil
			}

		case "churn_risk_level", "expansion_opportunity":
			if !matchesAny(fields[key], value) {
				return false, nil
			}

		case "health_score":
			if bounds, ok := value.(map[string]interface{}); ok && !withinBounds(customer.HealthScore, bounds) {
				return false, nil
			}

		case ExpressionKey:
			expr, ok := value.(string)
			if !ok {
				return false, fmt.Errorf("expression 必须是字符串")
			}
			matched, err := e.evaluateExpression(expr, fields, customer, now)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}

		default:
			if current, exists := fields[key]; exists && !reflect.DeepEqual(current, value) {
				return false, nil
			}
		}
	}
	return true, nil
}

// evaluateExpression 使用govaluate评估表达式，参数为客户字段
func (e *ConditionEvaluator) evaluateExpression(expression string, fields map[string]interface{}, customer *models.Customer, now time.Time) (bool, error) {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return false, fmt.Errorf("表达式解析错误: %w", err)
	}

	params := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		params[k] = v
	}
	params["customer_age_days"] = float64(customer.AgeDays(now))
	params["last_login_days"] = float64(models.DaysSince(customer.LastLogin, now))

	result, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("表达式评估错误: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("表达式结果不是布尔值: %v", result)
	}
	return matched, nil
}

// customerFields 客户的 JSON 字段，用于等值比较
func customerFields(customer *models.Customer) (map[string]interface{}, error) {
	raw, err := json.Marshal(customer)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func withinBounds(v float64, bounds map[string]interface{}) bool {
	if lo, ok := toFloat(bounds["min"]); ok && v < lo {
		return false
	}
	if hi, ok := toFloat(bounds["max"]); ok && v > hi {
		return false
	}
	return true
}

func matchesAny(current, expected interface{}) bool {
	if list, ok := expected.([]interface{}); ok {
		for _, item := range list {
			if reflect.DeepEqual(current, item) {
				return true
			}
		}
		return false
	}
	return reflect.DeepEqual(current, expected)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
