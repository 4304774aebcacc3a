package mapper

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// maxExponent bounds scientific notation; anything larger overflows int64 anyway.
const maxExponent = 30

var (
	hundred = big.NewRat(100, 1)
	two     = big.NewInt(2)
)

// ParseMinorUnits converts a decimal amount into integer minor units (cents),
// rounding half away from zero: 19.995 -> 2000, -19.995 -> -2000, 0.005 -> 1.
//
// Accepted inputs are strings ("1,234.50", "$12", "-$5", "1.5e2"),
// json.Number, float64 and Go integers. Floats are formatted with the
// shortest representation that round-trips before conversion, so 19.995 is
// treated as written. Results that do not fit in int64 are rejected.
func ParseMinorUnits(v any) (int64, error) {
	var s string
	switch n := v.(type) {
	case string:
		s = n
	case json.Number:
		s = n.String()
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		s = strconv.Itoa(n)
	case int64:
		s = strconv.FormatInt(n, 10)
	default:
		return 0, fmt.Errorf("unsupported money value of type %T", v)
	}

	s = strings.TrimSpace(s)
	sign := ""
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		sign, s = s[:1], s[1:]
	}
	s = sign + strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == sign {
		return 0, fmt.Errorf("empty money value")
	}
	if strings.TrimLeft(s, "+-0123456789.eE") != "" {
		return 0, fmt.Errorf("malformed money value %q", s)
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp < -maxExponent || exp > maxExponent {
			return 0, fmt.Errorf("malformed money value %q", s)
		}
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("malformed money value %q", s)
	}
	r.Mul(r, hundred)

	num := new(big.Int).Abs(r.Num())
	den := r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(m, two).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if r.Sign() < 0 {
		q.Neg(q)
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("money value %q out of range", s)
	}
	return q.Int64(), nil
}
