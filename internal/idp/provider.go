// Package idp brokers durable identities. The credential check itself
// belongs to an external identity provider; StaticProvider is the
// development stand-in.
package idp

import (
	"context"
	"errors"
	"sync"

	"github.com/wz1310/voice-cordova/internal/domain"
)

var ErrBadCredentials = errors.New("bad credentials")

// Provider maps a credential pair to a durable identity record.
type Provider interface {
	Lookup(ctx context.Context, username, password string) (domain.Identity, error)
}

// StaticProvider serves identities from a configured username/password
// map. With an empty map it accepts any pair, which is what you want on
// a dev box. Identities are minted once and stay stable for the process
// lifetime, so rejoining under the same name keeps the same id.
type StaticProvider struct {
	mu    sync.Mutex
	users map[string]string
	ids   map[string]domain.Identity
}

func NewStaticProvider(users map[string]string) *StaticProvider {
	return &StaticProvider{
		users: users,
		ids:   make(map[string]domain.Identity),
	}
}

func (p *StaticProvider) Lookup(_ context.Context, username, password string) (domain.Identity, error) {
	if len(p.users) > 0 {
		want, ok := p.users[username]
		if !ok || want != password {
			return domain.Identity{}, ErrBadCredentials
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.ids[username]; ok {
		return id, nil
	}
	id, err := domain.NewIdentity(username)
	if err != nil {
		return domain.Identity{}, err
	}
	p.ids[username] = id
	return id, nil
}
