// internal/service/settlement/domain/money.go
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var half = decimal.New(5, -1)

// 非 2 位小数的币种。其余币种默认最小单位为 0.01。
var minorUnitExceptions = map[string]int32{
	"JPY": 0, "KRW": 0, "ISK": 0, "CLP": 0, "VND": 0, "XAF": 0, "XOF": 0,
	"BHD": 3, "KWD": 3, "JOD": 3, "OMR": 3, "TND": 3,
}

// MinorUnitExponent 返回币种最小货币单位的小数位数。
func MinorUnitExponent(currency string, overrides map[string]int32) int32 {
	code := strings.ToUpper(currency)
	if exp, ok := overrides[code]; ok {
		return exp
	}
	if exp, ok := minorUnitExceptions[code]; ok {
		return exp
	}
	return 2
}

// RoundHalfUp 四舍五入到 exp 位小数，.5 一律向正无穷方向进位。
func RoundHalfUp(amount decimal.Decimal, exp int32) decimal.Decimal {
	return amount.Shift(exp).Add(half).Floor().Shift(-exp)
}
