package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProxyCredentials describe the shared upstream proxy and its IP-change
// endpoint.
type ProxyCredentials struct {
	// ProxyString is the raw proxy spec as supplied by the provider.
	// Supported shapes:
	//   user:pass@host:port
	//   host:port@user:pass
	//   user:pass:host:port
	//   host:port:user:pass
	ProxyString string `json:"proxy_string" mapstructure:"proxy_string"`

	// ChangeIPURL is the provider endpoint that rotates the exit IP.
	ChangeIPURL string `json:"change_ip_url" mapstructure:"change_ip_url"`
}

// Configured reports whether rotation is possible at all.
func (p ProxyCredentials) Configured() bool {
	return p.ProxyString != "" && p.ChangeIPURL != ""
}

// ProxyURL parses ProxyString into a usable *url.URL with embedded
// credentials. Providers hand these out in several shapes; hosts are told
// apart from usernames by the presence of a dot.
func (p ProxyCredentials) ProxyURL() (*url.URL, error) {
	raw := p.ProxyString
	if raw == "" {
		return nil, errors.New("proxy string is empty")
	}
	if idx := strings.Index(raw, "//"); idx >= 0 {
		raw = raw[idx+2:]
	}

	var hostPort, login, password string
	if at := strings.Index(raw, "@"); at >= 0 {
		left, right := raw[:at], raw[at+1:]
		if strings.Contains(right, ".") {
			// host:port@user:pass is reversed
			left, right = right, left
		}
		hostPort = left
		var ok bool
		login, password, ok = strings.Cut(right, ":")
		if !ok {
			return nil, fmt.Errorf("malformed proxy credentials %q", p.ProxyString)
		}
	} else {
		parts := strings.Split(raw, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed proxy string %q", p.ProxyString)
		}
		login, password, hostPort = parts[0], parts[1], parts[2]+":"+parts[3]
		if strings.Contains(login, ".") {
			// host:port:user:pass is reversed
			login, password, hostPort = parts[2], parts[3], parts[0]+":"+parts[1]
		}
	}

	u, err := url.Parse("http://" + hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy host %q: %w", hostPort, err)
	}
	u.User = url.UserPassword(login, password)
	return u, nil
}
