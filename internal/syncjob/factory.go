package syncjob

import (
	"context"
	"fmt"

	"github.com/driftwood-hq/mailsync/internal/authsvc"
	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
	"github.com/driftwood-hq/mailsync/internal/provider/gmail"
	"github.com/driftwood-hq/mailsync/internal/provider/graph"
	"github.com/driftwood-hq/mailsync/internal/provider/imapx"
)

// NewProviderFactory builds the production adapter factory. OAuth
// providers resolve their token through the auth service at run start;
// IMAP accounts carry their credentials in the auth blob. Token
// resolution failures are auth errors: retrying them without external
// re-auth is pointless.
func NewProviderFactory(tokens *authsvc.Client) provider.Factory {
	return func(ctx context.Context, account model.Account) (provider.Adapter, error) {
		switch account.Provider {
		case model.ProviderGmail:
			tok, err := tokens.GetToken(ctx, account.ID)
			if err != nil {
				return nil, provider.Auth(fmt.Errorf("resolving gmail token: %w", err))
			}
			return gmail.New(ctx, tok)

		case model.ProviderMicrosoft:
			tok, err := tokens.GetToken(ctx, account.ID)
			if err != nil {
				return nil, provider.Auth(fmt.Errorf("resolving graph token: %w", err))
			}
			return graph.New(ctx, tok, account.Email)

		case model.ProviderIMAP, model.ProviderCustom:
			creds, err := imapx.ParseCredentials(account.AuthBlob)
			if err != nil {
				return nil, provider.Auth(err)
			}
			return imapx.New(creds), nil

		default:
			return nil, provider.Fatal(fmt.Errorf("unsupported provider %q", account.Provider))
		}
	}
}
