package guard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultSpamKeywords is the built-in blocklist. A single case-insensitive
// substring match is enough to reject a message.
var DefaultSpamKeywords = []string{
	"贷款", "加微信", "私信", "包装", "刷单", "合作", "赚钱", "投资",
	"t.me/joinchat", "http", "https", "@", "频道", "群", "wx",
}

// Policy bundles every tunable threshold of the access-control pipeline so
// none of them live as scattered constants.
type Policy struct {
	// MaxAttempts is the number of wrong captcha answers before lockout.
	MaxAttempts int
	// BanDays is the lockout duration applied on exhaustion.
	BanDays int
	// CaptchaTTL is how long an unanswered captcha stays valid.
	CaptchaTTL time.Duration
	// OperandMin and OperandMax bound the two summands, inclusive.
	OperandMin int
	OperandMax int
	// DistractorSpread bounds wrong options to answer±spread.
	DistractorSpread int
	// RouteTagTTL is how long a relayed message stays resolvable as a reply
	// target on the operator side.
	RouteTagTTL time.Duration
	// SpamKeywords is the blocklist; empty means DefaultSpamKeywords.
	SpamKeywords []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BanDays:          7,
		CaptchaTTL:       5 * time.Minute,
		OperandMin:       10,
		OperandMax:       40,
		DistractorSpread: 10,
		RouteTagTTL:      72 * time.Hour,
		SpamKeywords:     DefaultSpamKeywords,
	}
}

// Normalize fills zero fields from the defaults and validates ranges.
func (p Policy) Normalize() (Policy, error) {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BanDays <= 0 {
		p.BanDays = def.BanDays
	}
	if p.CaptchaTTL <= 0 {
		p.CaptchaTTL = def.CaptchaTTL
	}
	if p.OperandMin == 0 && p.OperandMax == 0 {
		p.OperandMin = def.OperandMin
		p.OperandMax = def.OperandMax
	}
	if p.OperandMin < 1 || p.OperandMax < p.OperandMin {
		return Policy{}, fmt.Errorf("guard: invalid operand range [%d, %d]", p.OperandMin, p.OperandMax)
	}
	if p.DistractorSpread <= 0 {
		p.DistractorSpread = def.DistractorSpread
	}
	if p.DistractorSpread < 2 {
		// Fewer than two candidate distractors cannot exist.
		return Policy{}, fmt.Errorf("guard: distractor spread %d is too small", p.DistractorSpread)
	}
	if p.RouteTagTTL <= 0 {
		p.RouteTagTTL = def.RouteTagTTL
	}
	if len(p.SpamKeywords) == 0 {
		p.SpamKeywords = append([]string(nil), def.SpamKeywords...)
	}
	return p, nil
}

// PolicyFromViper reads policy.* configuration, applies defaults and loads
// policy.keywords_file if set.
func PolicyFromViper() (Policy, error) {
	p := Policy{
		MaxAttempts:      viper.GetInt("policy.max_attempts"),
		BanDays:          viper.GetInt("policy.ban_days"),
		CaptchaTTL:       viper.GetDuration("policy.captcha_ttl"),
		OperandMin:       viper.GetInt("policy.operand_min"),
		OperandMax:       viper.GetInt("policy.operand_max"),
		DistractorSpread: viper.GetInt("policy.distractor_spread"),
		RouteTagTTL:      viper.GetDuration("policy.route_tag_ttl"),
		SpamKeywords:     viper.GetStringSlice("policy.spam_keywords"),
	}
	if path := strings.TrimSpace(viper.GetString("policy.keywords_file")); path != "" {
		keywords, err := LoadKeywordsFile(path)
		if err != nil {
			return Policy{}, err
		}
		p.SpamKeywords = keywords
	}
	return p.Normalize()
}

type keywordsFile struct {
	Keywords []string `yaml:"keywords"`
}

// LoadKeywordsFile reads a YAML file of the form:
//
//	keywords:
//	  - 贷款
//	  - http
func LoadKeywordsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guard: read keywords file: %w", err)
	}
	var f keywordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("guard: parse keywords file %s: %w", path, err)
	}
	out := make([]string, 0, len(f.Keywords))
	for _, k := range f.Keywords {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("guard: keywords file %s has no keywords", path)
	}
	return out, nil
}
