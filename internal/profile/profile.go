// Package profile holds the per-platform capture configuration: which network
// calls carry conversation data, which selectors locate messages in the rendered
// page, and how a message container's role is decided.
package profile

import (
	"net/url"
	"strings"
)

// HostRule matches a page or request URL to a platform.
// Host matches the URL host exactly or as a parent domain.
// PathPrefix, when set, must prefix the URL path.
type HostRule struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
}

// Network lists the substring rules for relevant network calls.
type Network struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Selectors are ordered fallback selector lists, one per field.
type Selectors struct {
	MessageContainer []string `yaml:"message_container"`
	UserMessage      []string `yaml:"user_message"`
	AssistantMessage []string `yaml:"assistant_message"`
	MessageContent   []string `yaml:"message_content"`
	ChatContainer    []string `yaml:"chat_container"`
}

// Profile is the static configuration for one platform.
// Profiles are immutable after the registry is built.
type Profile struct {
	ID                string     `yaml:"id"`
	Hosts             []HostRule `yaml:"hosts"`
	Network           Network    `yaml:"network"`
	Selectors         Selectors  `yaml:"selectors"`
	Role              RoleSpec   `yaml:"role"`
	ConversationPaths []string   `yaml:"conversation_paths"`

	resolver RoleResolver
}

// Resolver returns the role strategy compiled for this profile.
func (p *Profile) Resolver() RoleResolver {
	return p.resolver
}

// MatchesURL reports whether u belongs to this platform.
func (p *Profile) MatchesURL(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, rule := range p.Hosts {
		if !hostMatches(host, rule.Host) {
			continue
		}
		if rule.PathPrefix == "" || strings.HasPrefix(u.Path, rule.PathPrefix) {
			return true
		}
	}
	return false
}

// Relevant reports whether a network call to rawURL carries conversation data:
// some include pattern is a substring of the URL and no exclude pattern is.
func (p *Profile) Relevant(rawURL string) bool {
	included := false
	for _, pat := range p.Network.Include {
		if strings.Contains(rawURL, pat) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pat := range p.Network.Exclude {
		if strings.Contains(rawURL, pat) {
			return false
		}
	}
	return true
}

func hostMatches(host, rule string) bool {
	rule = strings.ToLower(rule)
	return host == rule || strings.HasSuffix(host, "."+rule)
}
