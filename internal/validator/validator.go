// Package validator decides whether an inbound image request is admitted.
// Rules run in a fixed order (host, referer, path pattern, token) and the
// first failing rule is reported.
package validator

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mdcloud/mdcloud/internal/token"
)

// Rule 标识一条校验规则。
type Rule string

const (
	RuleHost    Rule = "host"
	RuleReferer Rule = "referer"
	RulePattern Rule = "pattern"
	RuleToken   Rule = "token"
)

// Rejection 描述请求被拒绝的规则与原因。
type Rejection struct {
	Rule   Rule
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected by %s rule: %s", r.Rule, r.Reason)
}

// IsRejection 判断 err 是否为校验拒绝。
func IsRejection(err error) bool {
	var rejection *Rejection
	return errors.As(err, &rejection)
}

// Request 是校验所需的请求信息。
type Request struct {
	Host    string
	Path    string
	Referer string
	IP      string
}

// Policy 是控制面下发的 token 校验策略。
type Policy struct {
	Key     []byte
	Enabled bool
}

// Enforced 仅在开启校验且密钥存在时返回 true；空密钥表示不校验。
func (p Policy) Enforced() bool {
	return p.Enabled && len(p.Key) > 0
}

// PolicySource 提供当前生效的 token 策略，由会话控制器实现。
type PolicySource interface {
	TokenPolicy() Policy
}

// StaticPolicy 是固定策略，主要用于测试。
type StaticPolicy Policy

// TokenPolicy 实现 PolicySource。
func (s StaticPolicy) TokenPolicy() Policy {
	return Policy(s)
}

// Options 控制 Validator 的域名与豁免配置。
type Options struct {
	HostSuffix    string
	RefererDomain string
	Exemptions    []string
	Policy        PolicySource
	Now           func() time.Time
}

// Validator 是无状态的请求准入判定器。
type Validator struct {
	hostSuffix    string
	refererDomain string
	exempt        map[string]struct{}
	policy        PolicySource
	now           func() time.Time
}

var pathPattern = regexp.MustCompile(`^(?:/([-_A-Za-z0-9=]+))?/(data|data-saver)/([0-9a-fA-F]+)/([^/?#]+)$`)

// New 构建 Validator。
func New(opts Options) *Validator {
	exempt := make(map[string]struct{}, len(opts.Exemptions))
	for _, hash := range opts.Exemptions {
		exempt[strings.ToLower(hash)] = struct{}{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Policy
	if policy == nil {
		policy = StaticPolicy{}
	}
	return &Validator{
		hostSuffix:    strings.ToLower(opts.HostSuffix),
		refererDomain: strings.ToLower(strings.TrimPrefix(opts.RefererDomain, ".")),
		exempt:        exempt,
		policy:        policy,
		now:           now,
	}
}

// Validate 依次执行 host、referer、路径与 token 规则，返回首个失败的 *Rejection。
func (v *Validator) Validate(req Request) error {
	if err := v.checkHost(req.Host); err != nil {
		return err
	}
	if err := v.checkReferer(req.Referer); err != nil {
		return err
	}
	match := pathPattern.FindStringSubmatch(req.Path)
	if match == nil {
		return &Rejection{Rule: RulePattern, Reason: "path does not match image pattern"}
	}
	return v.checkToken(match[1], match[3])
}

func (v *Validator) checkHost(host string) error {
	hostname := strings.ToLower(stripPort(host))
	if hostname == "" || !strings.HasSuffix(hostname, v.hostSuffix) {
		return &Rejection{Rule: RuleHost, Reason: fmt.Sprintf("host %q outside %s", hostname, v.hostSuffix)}
	}
	return nil
}

func (v *Validator) checkReferer(referer string) error {
	if referer == "" {
		return nil
	}
	parsed, err := url.Parse(referer)
	if err != nil {
		return &Rejection{Rule: RuleReferer, Reason: "unparsable referer"}
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == v.refererDomain || strings.HasSuffix(hostname, "."+v.refererDomain) {
		return nil
	}
	return &Rejection{Rule: RuleReferer, Reason: fmt.Sprintf("referer host %q not allowed", hostname)}
}

func (v *Validator) checkToken(raw, chapter string) error {
	if _, ok := v.exempt[strings.ToLower(chapter)]; ok {
		return nil
	}
	policy := v.policy.TokenPolicy()
	if !policy.Enforced() {
		return nil
	}
	if raw == "" {
		return &Rejection{Rule: RuleToken, Reason: "token missing"}
	}
	tok, err := token.Decode(raw, policy.Key)
	if err != nil {
		return &Rejection{Rule: RuleToken, Reason: err.Error()}
	}
	if tok.Expired(v.now()) {
		return &Rejection{Rule: RuleToken, Reason: "token expired"}
	}
	if tok.Hash != chapter {
		return &Rejection{Rule: RuleToken, Reason: "token bound to another chapter"}
	}
	return nil
}

// stripPort 去掉 host 中的端口与末尾的点。
func stripPort(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.Trim(host, "[]"), ".")
}
