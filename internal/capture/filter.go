// Package capture observes conversation traffic on its way back to the page.
// A Transport wraps the page's outbound http.RoundTripper; relevant responses
// are copied into captures while the caller reads the original bytes.
package capture

import (
	"context"
	"net/http"

	"github.com/hpungsan/chatsync/internal/profile"
)

// Filter decides which network calls carry conversation data.
type Filter struct {
	Registry *profile.Registry
}

// Classify returns the platform profile for a request and whether the request
// is a conversation call. The platform is detected from the page URL when
// known, and from the request URL otherwise.
func (f Filter) Classify(pageURL, requestURL string) (*profile.Profile, bool) {
	if f.Registry == nil {
		return nil, false
	}
	detectFrom := pageURL
	if detectFrom == "" {
		detectFrom = requestURL
	}
	p := f.Registry.Detect(detectFrom)
	if p == nil {
		return nil, false
	}
	return p, p.Relevant(requestURL)
}

type pageURLKey struct{}

// WithPageURL records the URL of the page issuing requests made with ctx.
func WithPageURL(ctx context.Context, pageURL string) context.Context {
	return context.WithValue(ctx, pageURLKey{}, pageURL)
}

// PageURL returns the page URL for req: the context value set by WithPageURL,
// else the Referer header, else "".
func PageURL(req *http.Request) string {
	if v, ok := req.Context().Value(pageURLKey{}).(string); ok && v != "" {
		return v
	}
	return req.Referer()
}
