package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ValidationConfig bounds the size and shape of operation input.
type ValidationConfig struct {
	MaxExpressionLength int
	MaxExpressionDepth  int
	MaxResourceSize     int
	EnableBlacklist     bool
	Blacklist           []string
	MaxKeyLength        int
	MaxArrayLength      int
	MaxStringLength     int
}

// DefaultValidationConfig returns the standard limits.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxExpressionLength: 1000,
		MaxExpressionDepth:  10,
		MaxResourceSize:     1 << 20,
		EnableBlacklist:     true,
		Blacklist:           []string{"eval", "system", "exec", "shell"},
		MaxKeyLength:        255,
		MaxArrayLength:      10000,
		MaxStringLength:     100000,
	}
}

// ValidationError reports input rejected by the Validator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Validator applies ValidationConfig to expressions and JSON payloads.
type Validator struct {
	cfg       ValidationConfig
	blacklist []*regexp.Regexp
}

// NewValidator returns a Validator for cfg.
func NewValidator(cfg ValidationConfig) *Validator {
	v := &Validator{cfg: cfg}
	for _, name := range cfg.Blacklist {
		// Matches name used as a function call, in any case.
		v.blacklist = append(v.blacklist, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\s*\(`))
	}
	return v
}

// Config returns the limits in force.
func (v *Validator) Config() ValidationConfig {
	return v.cfg
}

// ValidateExpression checks length, nesting depth and blacklisted calls and
// returns the sanitized expression.
func (v *Validator) ValidateExpression(expr string) (string, error) {
	if len(expr) > v.cfg.MaxExpressionLength {
		return "", &ValidationError{Field: "expression", Reason: fmt.Sprintf("too long: %d > %d", len(expr), v.cfg.MaxExpressionLength)}
	}
	if strings.TrimSpace(expr) == "" {
		return "", &ValidationError{Field: "expression", Reason: "cannot be empty"}
	}
	if depth := ExpressionDepth(expr); depth > v.cfg.MaxExpressionDepth {
		return "", &ValidationError{Field: "expression", Reason: fmt.Sprintf("too complex: depth %d > %d", depth, v.cfg.MaxExpressionDepth)}
	}
	if v.cfg.EnableBlacklist {
		for i, re := range v.blacklist {
			if re.MatchString(expr) {
				return "", &ValidationError{Field: "expression", Reason: "contains blacklisted function: " + v.cfg.Blacklist[i]}
			}
		}
	}
	return sanitizeExpression(expr), nil
}

// ValidateResource checks that raw is a JSON object within the size and
// structure limits.
func (v *Validator) ValidateResource(raw json.RawMessage) error {
	if len(raw) > v.cfg.MaxResourceSize {
		return &ValidationError{Field: "resource", Reason: fmt.Sprintf("too large: %d > %d", len(raw), v.cfg.MaxResourceSize)}
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Field: "resource", Reason: "invalid json"}
	}
	if _, ok := value.(map[string]interface{}); !ok {
		return &ValidationError{Field: "resource", Reason: "must be a JSON object"}
	}
	return v.validateStructure("resource", value)
}

// ValidatePayload checks size and structure of an arbitrary JSON document.
func (v *Validator) ValidatePayload(raw []byte) error {
	if len(raw) > v.cfg.MaxResourceSize {
		return &ValidationError{Reason: fmt.Sprintf("payload too large: %d > %d", len(raw), v.cfg.MaxResourceSize)}
	}
	if len(raw) == 0 {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Reason: "invalid json"}
	}
	return v.validateStructure("", value)
}

// ValidateArguments checks operation arguments: the payload as a whole, every
// string "expression" member and every object "resource" member.
func (v *Validator) ValidateArguments(args json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	if err := v.ValidatePayload(args); err != nil {
		return err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		// Non-object arguments were already checked structurally.
		return nil
	}
	if raw, ok := obj["expression"]; ok {
		var expr string
		if err := json.Unmarshal(raw, &expr); err != nil {
			return &ValidationError{Field: "expression", Reason: "must be a string"}
		}
		if _, err := v.ValidateExpression(expr); err != nil {
			return err
		}
	}
	if raw, ok := obj["resource"]; ok && string(raw) != "null" {
		if err := v.ValidateResource(raw); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateStructure(path string, value interface{}) error {
	switch val := value.(type) {
	case map[string]interface{}:
		for key, child := range val {
			if len(key) > v.cfg.MaxKeyLength {
				return &ValidationError{Field: path, Reason: fmt.Sprintf("JSON key too long: %d", len(key))}
			}
			if err := v.validateStructure(joinPath(path, key), child); err != nil {
				return err
			}
		}
	case []interface{}:
		if len(val) > v.cfg.MaxArrayLength {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("JSON array too large: %d", len(val))}
		}
		for i, child := range val {
			if err := v.validateStructure(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	case string:
		if len(val) > v.cfg.MaxStringLength {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("JSON string too long: %d", len(val))}
		}
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// ExpressionDepth returns the deepest bracket nesting outside quoted text.
func ExpressionDepth(expr string) int {
	depth, maxDepth := 0, 0
	inQuotes, escaped := false, false
	for _, ch := range expr {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '\'', '"':
			inQuotes = !inQuotes
		case '(', '[', '{':
			if !inQuotes {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		case ')', ']', '}':
			if !inQuotes && depth > 0 {
				depth--
			}
		}
	}
	return maxDepth
}

func sanitizeExpression(expr string) string {
	expr = strings.TrimSpace(expr)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\r' || r == 0:
			return -1
		case r == ' ' || r == '\t' || r == '\n':
			return r
		case r > 0x20 && r < 0x7f:
			return r
		default:
			return -1
		}
	}, expr)
}
