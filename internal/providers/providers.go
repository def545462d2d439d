// Package providers routes mail accounts to the backend of their provider.
package providers

import (
	"fmt"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/providers/gmail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/providers/outlook"
)

// Router picks a backend factory by provider
type Router map[models.Provider]mail.BackendFactory

// NewRouter wires the Graph and Gmail backends. Empty base URLs use the
// public endpoints.
func NewRouter(graphBaseURL, gmailBaseURL string) Router {
	return Router{
		models.ProviderMicrosoft: outlook.Factory(graphBaseURL),
		models.ProviderGoogle:    gmail.Factory(gmailBaseURL),
	}
}

// Factory returns a mail.BackendFactory dispatching on acct.Provider
func (r Router) Factory() mail.BackendFactory {
	return func(acct mail.Account, observe func(mail.RateInfo)) (mail.Backend, error) {
		f, ok := r[acct.Provider]
		if !ok {
			return nil, fmt.Errorf("unsupported mail provider %q", acct.Provider)
		}
		return f(acct, observe)
	}
}
