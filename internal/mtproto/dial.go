package mtproto

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"
)

// proxyResolver returns a DC resolver dialing through the SOCKS5 proxy in
// raw, or nil when raw is empty.
func proxyResolver(raw string) (dcs.Resolver, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mtproto: proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("mtproto: unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mtproto: proxy url %q has no host", raw)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("mtproto: proxy dialer: %w", err)
	}
	dc, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("mtproto: proxy dialer missing context")
	}
	return dcs.Plain(dcs.PlainOptions{Dial: dc.DialContext}), nil
}

// redactProxy hides proxy credentials for logging.
func redactProxy(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
