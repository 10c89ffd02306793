// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuard はユーザーが登録するWebhook URLへのSSRF防止機能のインターフェースを定義する。
// トラッカー登録時の事前検証と、通知送信時のHTTPクライアントの両方で使用される。
type WebhookGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後にDialerレベルでブロックされる。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はWebhook URLの安全性をDNS解決なしで事前に検証する。
	ValidateURL(rawURL string) error
}

// webhookPorts はWebhookの宛先として許可されるポート。
var webhookPorts = []uint16{80, 443}

// blockedPrefixes はWebhookの宛先として拒否するアドレス範囲。
// 169.254.169.254 のメタデータIPはリンクローカルに含まれる。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHosts は名前で拒否するホスト。サブドメインも対象。
var blockedHosts = []string{"localhost", "metadata.google.internal"}

type webhookGuard struct{}

// NewWebhookGuard はWebhookGuardを生成する。
func NewWebhookGuard() *webhookGuard {
	return &webhookGuard{}
}

// NewSafeClient はsafeurlのDialer検証付きクライアントを返す。
func (g *webhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	ports := make([]int, len(webhookPorts))
	for i, p := range webhookPorts {
		ports[i] = int(p)
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL は登録時の静的な検証を行う。名前解決後の宛先はNewSafeClientが検証する。
func (g *webhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("webhook url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}

	switch {
	case !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https"):
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	case u.User != nil:
		return errors.New("webhook url must not carry credentials")
	case u.Hostname() == "":
		return fmt.Errorf("webhook url has no host: %s", rawURL)
	}

	if p := u.Port(); p != "" && !slices.ContainsFunc(webhookPorts, func(allowed uint16) bool {
		return fmt.Sprint(allowed) == p
	}) {
		return fmt.Errorf("port %s is not allowed", p)
	}

	host := u.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("address %s is not reachable for webhooks", addr)
		}
		return nil
	}
	if blockedHost(host) {
		return fmt.Errorf("host %s is not reachable for webhooks", host)
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return slices.ContainsFunc(blockedPrefixes, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}

func blockedHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return slices.ContainsFunc(blockedHosts, func(b string) bool {
		return host == b || strings.HasSuffix(host, "."+b)
	})
}
