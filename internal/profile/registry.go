package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var builtinProfiles []byte

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// Registry is the immutable set of known platforms.
type Registry struct {
	profiles []*Profile
	byID     map[string]*Profile
}

// Builtin returns the registry for the embedded platform profiles.
func Builtin() (*Registry, error) {
	return Parse(builtinProfiles)
}

// LoadFile parses a profiles file from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a profiles document.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file profileFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return newRegistry(file.Profiles)
}

func newRegistry(profiles []*Profile) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		resolver, err := compileRole(p.Role)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		p.resolver = resolver
		r.byID[p.ID] = p
		r.profiles = append(r.profiles, p)
	}
	return r, nil
}

func validate(p *Profile) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if len(p.Hosts) == 0 {
		return fmt.Errorf("profile %s: at least one host rule is required", p.ID)
	}
	if len(p.Network.Include) == 0 {
		return fmt.Errorf("profile %s: network include patterns are required", p.ID)
	}
	required := map[string][]string{
		"message_container": p.Selectors.MessageContainer,
		"user_message":      p.Selectors.UserMessage,
		"assistant_message": p.Selectors.AssistantMessage,
		"message_content":   p.Selectors.MessageContent,
		"chat_container":    p.Selectors.ChatContainer,
	}
	for field, list := range required {
		if len(list) == 0 {
			return fmt.Errorf("profile %s: %s selectors are required", p.ID, field)
		}
	}

	all := [][]string{
		p.Selectors.MessageContainer, p.Selectors.UserMessage, p.Selectors.AssistantMessage,
		p.Selectors.MessageContent, p.Selectors.ChatContainer,
		p.Role.Marker, p.Role.Content, p.Role.User, p.Role.Assistant,
	}
	for _, list := range all {
		for _, s := range list {
			if _, err := cascadia.Compile(s); err != nil {
				return fmt.Errorf("profile %s: invalid selector %q: %w", p.ID, s, err)
			}
		}
	}

	for _, pat := range p.ConversationPaths {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("profile %s: invalid conversation path %q: %w", p.ID, pat, err)
		}
	}
	return nil
}

// Get returns the profile with the given id, or nil.
func (r *Registry) Get(id string) *Profile {
	return r.byID[id]
}

// All returns the profiles in declaration order.
func (r *Registry) All() []*Profile {
	return slices.Clone(r.profiles)
}

// IDs returns the platform ids in declaration order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		ids = append(ids, p.ID)
	}
	return ids
}

// Detect returns the profile for the platform serving rawURL, or nil when
// the URL is malformed or belongs to no known platform.
func (r *Registry) Detect(rawURL string) *Profile {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	for _, p := range r.profiles {
		if p.MatchesURL(u) {
			return p
		}
	}
	return nil
}

// Without returns a registry with the named platforms removed.
func (r *Registry) Without(ids []string) *Registry {
	if len(ids) == 0 {
		return r
	}
	out := &Registry{byID: make(map[string]*Profile, len(r.profiles))}
	for _, p := range r.profiles {
		if slices.Contains(ids, p.ID) {
			continue
		}
		out.byID[p.ID] = p
		out.profiles = append(out.profiles, p)
	}
	return out
}

// With returns a registry where profiles from extra replace same-id profiles
// and new ids are appended.
func (r *Registry) With(extra *Registry) *Registry {
	if extra == nil {
		return r
	}
	out := &Registry{byID: make(map[string]*Profile, len(r.profiles)+len(extra.profiles))}
	for _, p := range r.profiles {
		if o := extra.byID[p.ID]; o != nil {
			p = o
		}
		out.byID[p.ID] = p
		out.profiles = append(out.profiles, p)
	}
	for _, p := range extra.profiles {
		if _, ok := out.byID[p.ID]; ok {
			continue
		}
		out.byID[p.ID] = p
		out.profiles = append(out.profiles, p)
	}
	return out
}

// ConversationPaths returns every profile's conversation path patterns.
func (r *Registry) ConversationPaths() []string {
	var paths []string
	for _, p := range r.profiles {
		paths = append(paths, p.ConversationPaths...)
	}
	return paths
}
