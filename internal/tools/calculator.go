package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// CalculatorTool performs a single arithmetic operation on two operands.
type CalculatorTool struct{}

func NewCalculatorTool() *CalculatorTool { return &CalculatorTool{} }

func (t *CalculatorTool) Name() string { return "calculator" }

func (t *CalculatorTool) Description() string {
	return "Perform basic arithmetic: add, subtract, multiply, divide two numbers"
}

func (t *CalculatorTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{
				"type":        "number",
				"description": "First operand",
			},
			"b": map[string]any{
				"type":        "number",
				"description": "Second operand",
			},
			"op": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "sub", "mul", "div"},
				"description": "Operation to perform, defaults to add",
			},
		},
		"required": []string{"a", "b"},
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	a := FloatArg(args, "a", math.NaN())
	b := FloatArg(args, "b", math.NaN())
	if math.IsNaN(a) || math.IsNaN(b) {
		return "", fmt.Errorf("calculator: both a and b are required")
	}

	var out float64
	switch op := StringArg(args, "op", "add"); op {
	case "add":
		out = a + b
	case "sub":
		out = a - b
	case "mul":
		out = a * b
	case "div":
		if b == 0 {
			return "", fmt.Errorf("calculator: division by zero")
		}
		out = a / b
	default:
		return "", fmt.Errorf("calculator: unknown op %q", op)
	}

	return strconv.FormatFloat(out, 'f', -1, 64), nil
}
