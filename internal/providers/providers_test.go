package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail/mailtest"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/providers/gmail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/providers/outlook"
)

func TestRouterDispatchesByProvider(t *testing.T) {
	ms := mailtest.New(mail.UserInfo{Email: "ms@acme.test"})
	g := mailtest.New(mail.UserInfo{Email: "g@acme.test"})
	r := Router{
		models.ProviderMicrosoft: ms.Factory(),
		models.ProviderGoogle:    g.Factory(),
	}
	f := r.Factory()

	b, err := f(mail.Account{Provider: models.ProviderMicrosoft}, nil)
	require.NoError(t, err)
	assert.Same(t, ms, b)

	b, err = f(mail.Account{Provider: models.ProviderGoogle}, nil)
	require.NoError(t, err)
	assert.Same(t, g, b)

	_, err = f(mail.Account{Provider: "imap"}, nil)
	assert.Error(t, err)
}

func TestNewRouterBuildsRealBackends(t *testing.T) {
	f := NewRouter("https://graph.example/v1.0", "https://gmail.example/").Factory()

	b, err := f(mail.Account{Provider: models.ProviderMicrosoft, AccessToken: "t"}, func(mail.RateInfo) {})
	require.NoError(t, err)
	assert.IsType(t, &outlook.Adapter{}, b)

	b, err = f(mail.Account{Provider: models.ProviderGoogle, AccessToken: "t"}, func(mail.RateInfo) {})
	require.NoError(t, err)
	assert.IsType(t, &gmail.Adapter{}, b)
}
