package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Placeholder 是缩放公式中代表寄存器原始值的占位符
const Placeholder = "x"

var (
	// ErrMismatchedParens 括号不匹配
	ErrMismatchedParens = errors.New("mis-matched parentheses in expression")
	// ErrMalformed 表达式无法归约 (操作数不足或存在非数字记号)
	ErrMalformed = errors.New("malformed expression")
)

// operators 的顺序即优先级列表，归约规则依赖此顺序
var operators = []string{"-", "+", "/", "*", "^"}

var operations = []func(a1, a2 float64) float64{
	func(a1, a2 float64) float64 { return a1 - a2 },
	func(a1, a2 float64) float64 { return a1 + a2 },
	func(a1, a2 float64) float64 { return a1 / a2 },
	func(a1, a2 float64) float64 { return a1 * a2 },
	math.Pow,
}

const tokenChars = "()^*/+-"

// Evaluate 计算缩放公式，value 替换占位符。
// 公式为空、缺少占位符、value 为空或公式非法时返回 0.0。
func Evaluate(formula, value string) float64 {
	res, err := Eval(formula, value)
	if err != nil {
		return 0.0
	}
	return res
}

// Eval is Evaluate with the parse error preserved.
func Eval(formula, value string) (float64, error) {
	if formula == "" || !strings.Contains(formula, Placeholder) {
		return 0.0, nil
	}
	if value == "" {
		return 0.0, nil
	}
	if len(formula) == 1 {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0.0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	}
	return calculate(strings.ReplaceAll(formula, Placeholder, value))
}

func calculate(expr string) (float64, error) {
	tokens := tokenize(expr)
	var operands []float64
	var ops []string

	reduce := func() error {
		if len(operands) < 2 {
			return ErrMalformed
		}
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		a2 := operands[len(operands)-1]
		a1 := operands[len(operands)-2]
		operands = operands[:len(operands)-2]
		operands = append(operands, operations[indexOf(op)](a1, a2))
		return nil
	}

	for i := 0; i < len(tokens); {
		token := tokens[i]
		switch {
		case token == "(":
			sub, next, err := subExpression(tokens, i)
			if err != nil {
				return 0.0, err
			}
			v, err := calculate(sub)
			if err != nil {
				return 0.0, err
			}
			operands = append(operands, v)
			i = next
			continue
		case token == ")":
			return 0.0, ErrMismatchedParens
		case indexOf(token) >= 0:
			// 仅当新运算符位置严格小于栈顶运算符位置时归约
			for len(ops) > 0 && indexOf(token) < indexOf(ops[len(ops)-1]) {
				if err := reduce(); err != nil {
					return 0.0, err
				}
			}
			ops = append(ops, token)
		default:
			v, err := strconv.ParseFloat(token, 64)
			if err != nil {
				return 0.0, fmt.Errorf("%w: token %q", ErrMalformed, token)
			}
			operands = append(operands, v)
		}
		i++
	}

	for len(ops) > 0 {
		if err := reduce(); err != nil {
			return 0.0, err
		}
	}
	if len(operands) != 1 {
		return 0.0, ErrMalformed
	}
	return operands[0], nil
}

// subExpression returns the text between the parenthesis at tokens[start]
// and its partner, plus the index of the first token after the partner.
func subExpression(tokens []string, start int) (string, int, error) {
	var sb strings.Builder
	level := 1
	i := start + 1
	for i < len(tokens) && level > 0 {
		switch tokens[i] {
		case "(":
			level++
		case ")":
			level--
		}
		if level > 0 {
			sb.WriteString(tokens[i])
		}
		i++
	}
	if level > 0 {
		return "", i, ErrMismatchedParens
	}
	return sb.String(), i, nil
}

// tokenize splits on operator and parenthesis characters. A '-' at the start
// of the expression or right after another operator or '(' is a sign and is
// kept with the number that follows.
func tokenize(expr string) []string {
	var tokens []string
	var sb strings.Builder
	for _, c := range strings.ReplaceAll(expr, " ", "") {
		if strings.ContainsRune(tokenChars, c) {
			if c == '-' && sb.Len() == 0 && expectsOperand(tokens) {
				sb.WriteRune(c)
				continue
			}
			if sb.Len() > 0 {
				tokens = append(tokens, sb.String())
				sb.Reset()
			}
			tokens = append(tokens, string(c))
			continue
		}
		sb.WriteRune(c)
	}
	if sb.Len() > 0 {
		tokens = append(tokens, sb.String())
	}
	return tokens
}

func expectsOperand(tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}
	last := tokens[len(tokens)-1]
	return last == "(" || indexOf(last) >= 0
}

func indexOf(op string) int {
	for i, o := range operators {
		if o == op {
			return i
		}
	}
	return -1
}
