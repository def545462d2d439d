package outlook

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/microsoft/kiota-abstractions-go/authentication"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
)

// staticTokenProvider hands the Graph SDK an access token that the token
// manager already refreshed
type staticTokenProvider struct {
	token string
	hosts authentication.AllowedHostsValidator
}

func (p *staticTokenProvider) GetAuthorizationToken(_ context.Context, u *url.URL, _ map[string]interface{}) (string, error) {
	if !p.hosts.IsUrlHostValid(u) {
		return "", nil
	}
	return p.token, nil
}

func (p *staticTokenProvider) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return &p.hosts
}

// headerObserver reports throttling headers of every Graph response
type headerObserver struct {
	next    http.RoundTripper
	observe func(mail.RateInfo)
}

func (h *headerObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.next.RoundTrip(req)
	if err != nil || h.observe == nil {
		return resp, err
	}
	if info, ok := mail.ParseRateHeaders(resp.Header, time.Now()); ok {
		h.observe(info)
	}
	return resp, nil
}
