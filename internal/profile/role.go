package profile

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hpungsan/chatsync/internal/chat"
)

// Strategy names accepted in the role block of a profile.
const (
	StrategyAttribute  = "attribute"
	StrategySelector   = "selector"
	StrategyPresence   = "presence"
	StrategyQuery      = "query"
	StrategyPositional = "positional"
)

// RoleSpec is the declarative form of a role strategy.
type RoleSpec struct {
	Strategy string `yaml:"strategy"`

	// attribute
	Attribute string `yaml:"attribute,omitempty"`

	// presence
	Marker            []string  `yaml:"marker,omitempty"`
	MarkerRole        chat.Role `yaml:"marker_role,omitempty"`
	ContentFromMarker bool      `yaml:"content_from_marker,omitempty"`
	Content           []string  `yaml:"content,omitempty"`

	// query, positional
	User      []string `yaml:"user,omitempty"`
	Assistant []string `yaml:"assistant,omitempty"`
}

// RoleResolver decides the role of one message container and the element
// holding its text. ok is false when the container is not a message.
// A nil content selection means the container itself holds the text.
type RoleResolver interface {
	Resolve(container *goquery.Selection, sel Selectors) (role chat.Role, content *goquery.Selection, ok bool)
}

// compileRole builds the resolver named by spec.
func compileRole(spec RoleSpec) (RoleResolver, error) {
	switch spec.Strategy {
	case StrategyAttribute:
		if spec.Attribute == "" {
			return nil, fmt.Errorf("attribute strategy requires attribute")
		}
		return AttributeRole{Attribute: spec.Attribute}, nil
	case StrategySelector, "":
		return SelectorRole{}, nil
	case StrategyPresence:
		if len(spec.Marker) == 0 {
			return nil, fmt.Errorf("presence strategy requires marker")
		}
		markerRole := spec.MarkerRole
		if markerRole == "" {
			markerRole = chat.RoleAssistant
		}
		if markerRole != chat.RoleUser && markerRole != chat.RoleAssistant {
			return nil, fmt.Errorf("unknown marker_role %q", markerRole)
		}
		return PresenceRole{
			Marker:            spec.Marker,
			MarkerRole:        markerRole,
			ContentFromMarker: spec.ContentFromMarker,
			Content:           spec.Content,
		}, nil
	case StrategyQuery:
		if len(spec.User) == 0 || len(spec.Assistant) == 0 {
			return nil, fmt.Errorf("query strategy requires user and assistant selectors")
		}
		return QueryRole{User: spec.User, Assistant: spec.Assistant}, nil
	case StrategyPositional:
		if len(spec.User) == 0 || len(spec.Assistant) == 0 {
			return nil, fmt.Errorf("positional strategy requires user and assistant selectors")
		}
		return PositionalRole{User: spec.User, Assistant: spec.Assistant}, nil
	default:
		return nil, fmt.Errorf("unknown role strategy %q", spec.Strategy)
	}
}

// SelectorRole marks a container as user when it matches, or contains, an
// element matching the user selectors. Everything else is assistant.
type SelectorRole struct{}

func (SelectorRole) Resolve(container *goquery.Selection, sel Selectors) (chat.Role, *goquery.Selection, bool) {
	return selectorRole(container, sel.UserMessage), First(container, sel.MessageContent), true
}

func selectorRole(container *goquery.Selection, user []string) chat.Role {
	if matchesAny(container, user) {
		return chat.RoleUser
	}
	if First(container, user) != nil {
		return chat.RoleUser
	}
	return chat.RoleAssistant
}

// AttributeRole reads the role from an explicit attribute and falls back to
// SelectorRole when the attribute is absent.
type AttributeRole struct {
	Attribute string
}

func (a AttributeRole) Resolve(container *goquery.Selection, sel Selectors) (chat.Role, *goquery.Selection, bool) {
	content := First(container, sel.MessageContent)
	value, ok := container.Attr(a.Attribute)
	if !ok {
		return selectorRole(container, sel.UserMessage), content, true
	}
	if strings.EqualFold(strings.TrimSpace(value), string(chat.RoleUser)) {
		return chat.RoleUser, content, true
	}
	return chat.RoleAssistant, content, true
}

// PresenceRole decides the role by the presence of a nested marker element.
// Containers with the marker get MarkerRole, the rest get the other role.
type PresenceRole struct {
	Marker            []string
	MarkerRole        chat.Role
	ContentFromMarker bool
	Content           []string
}

func (p PresenceRole) Resolve(container *goquery.Selection, sel Selectors) (chat.Role, *goquery.Selection, bool) {
	marker := First(container, p.Marker)
	role := p.MarkerRole
	if marker == nil {
		role = otherRole(p.MarkerRole)
	}
	if p.ContentFromMarker && marker != nil {
		return role, marker, true
	}
	if len(p.Content) > 0 {
		return role, First(container, p.Content), true
	}
	if p.ContentFromMarker {
		return role, nil, true
	}
	return role, First(container, sel.MessageContent), true
}

// QueryRole looks for a user element, then an assistant element, inside the
// container. The found element is the content. Containers with neither are skipped.
type QueryRole struct {
	User      []string
	Assistant []string
}

func (q QueryRole) Resolve(container *goquery.Selection, _ Selectors) (chat.Role, *goquery.Selection, bool) {
	if el := First(container, q.User); el != nil {
		return chat.RoleUser, el, true
	}
	if el := First(container, q.Assistant); el != nil {
		return chat.RoleAssistant, el, true
	}
	return "", nil, false
}

// PositionalRole walks up from the container and takes the role of the
// nearest ancestor carrying a user or assistant layout class.
type PositionalRole struct {
	User      []string
	Assistant []string
}

func (p PositionalRole) Resolve(container *goquery.Selection, sel Selectors) (chat.Role, *goquery.Selection, bool) {
	content := First(container, sel.MessageContent)
	for n := container; n.Length() > 0; n = n.Parent() {
		if matchesAny(n, p.User) {
			return chat.RoleUser, content, true
		}
		if matchesAny(n, p.Assistant) {
			return chat.RoleAssistant, content, true
		}
	}
	return chat.RoleAssistant, content, true
}

func otherRole(r chat.Role) chat.Role {
	if r == chat.RoleUser {
		return chat.RoleAssistant
	}
	return chat.RoleUser
}
