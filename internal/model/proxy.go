package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "active"
	ProxyInactive ProxyStatus = "inactive"
	ProxyBanned   ProxyStatus = "banned"
)

const defaultSuccessRate = 100.0

type Proxy struct {
	ID           string      `json:"id" bson:"_id"`
	Protocol     string      `json:"protocol" bson:"protocol"`
	Host         string      `json:"host" bson:"host"`
	Port         int         `json:"port" bson:"port"`
	Username     string      `json:"username,omitempty" bson:"username,omitempty"`
	Password     string      `json:"password,omitempty" bson:"password,omitempty"`
	Provider     string      `json:"provider,omitempty" bson:"provider,omitempty"`
	ProxyURL     string      `json:"proxy_url" bson:"proxy_url"`
	UseCount     int64       `json:"use_count" bson:"use_count"`
	SuccessCount int64       `json:"success_count" bson:"success_count"`
	FailCount    int64       `json:"fail_count" bson:"fail_count"`
	SuccessRate  float64     `json:"success_rate" bson:"success_rate"`
	Status       ProxyStatus `json:"status" bson:"status"`
	LastUsedAt   *time.Time  `json:"last_used_at" bson:"last_used_at"`
	LastCheckAt  *time.Time  `json:"last_check_at" bson:"last_check_at"`
	CreatedAt    time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" bson:"updated_at"`
}

type ProxyInput struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Provider string `json:"provider"`
}

// BuildProxyURL renders protocol://[user:pass@]host:port. Credentials are only
// included when both are set.
func BuildProxyURL(protocol, host string, port int, username, password string) string {
	u := url.URL{
		Scheme: strings.ToLower(protocol),
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if username != "" && password != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String()
}

// SuccessRate is a percentage in [0, 100]; a proxy without attempts scores 100.
func SuccessRate(success, fail int64) float64 {
	total := success + fail
	if total == 0 {
		return defaultSuccessRate
	}
	return float64(success) / float64(total) * 100
}

// ApplyOutcome records one attempt and retires the proxy when it has more than
// minSamples attempts and a rate below belowRate. It reports whether the proxy
// was retired by this call.
func (p *Proxy) ApplyOutcome(success bool, minSamples int, belowRate float64) bool {
	if success {
		p.SuccessCount++
	} else {
		p.FailCount++
	}
	p.SuccessRate = SuccessRate(p.SuccessCount, p.FailCount)
	if p.SuccessCount+p.FailCount > int64(minSamples) && p.SuccessRate < belowRate &&
		p.Status == ProxyActive {
		p.Status = ProxyInactive
		return true
	}
	return false
}

// Redacted hides the proxy password, including inside the URL.
func (p *Proxy) Redacted() *Proxy {
	cp := *p
	if cp.Password != "" {
		cp.Password = "***"
		cp.ProxyURL = BuildProxyURL(p.Protocol, p.Host, p.Port, p.Username, "***")
	}
	return &cp
}
