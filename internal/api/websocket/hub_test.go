package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/identity"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/memstore"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type hubFixture struct {
	hub      *Hub
	server   *httptest.Server
	provider *identity.Provider
	store    *memstore.Store
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	clk := clock.NewFake(t0)
	provider, err := identity.NewProvider(config.IdentityConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Issuer:    "dpdp-test",
		TokenTTL:  time.Hour,
	}, clk)
	require.NoError(t, err)

	store := memstore.New()
	hub := NewHub(provider, store.Repositories().Principals(), DefaultConfig(), zaptest.NewLogger(t))
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &hubFixture{hub: hub, server: server, provider: provider, store: store}
}

func (f *hubFixture) token(t *testing.T, role principal.Role) string {
	t.Helper()
	p, err := principal.New(uuid.NewString()[:8]+"@example.in", "Subscriber", role, t0)
	require.NoError(t, err)
	require.NoError(t, f.store.Repositories().Principals().Create(context.Background(), p))
	token, _, err := f.provider.Issue(principal.Identity{PrincipalID: p.ID, Role: p.Role})
	require.NoError(t, err)
	return token
}

func (f *hubFixture) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?access_token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestHub_BroadcastsGovernanceFindings(t *testing.T) {
	f := newHubFixture(t)
	conn, _, err := f.dial(t, f.token(t, principal.RoleDPO))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	welcome := notification.ToPrincipal(notification.KindWelcome, uuid.New(), nil, t0)
	require.NoError(t, f.hub.Send(context.Background(), welcome))

	alert := notification.ToRole(notification.KindAnomalyAlert, principal.RoleDPO, map[string]interface{}{"score": "0.7"}, t0)
	require.NoError(t, f.hub.Send(context.Background(), alert))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Finding
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, alert.ID, got.ID, "welcome notices are not findings")
	assert.Equal(t, notification.KindAnomalyAlert, got.Kind)
	assert.Equal(t, "0.7", got.Payload["score"])
}

func TestHub_RejectsCallers(t *testing.T) {
	f := newHubFixture(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"plain principal", f.token(t, principal.RolePrincipal), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.token)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Zero(t, f.hub.Clients())
}

func TestHub_CloseDisconnects(t *testing.T) {
	f := newHubFixture(t)
	conn, _, err := f.dial(t, f.token(t, principal.RoleAdmin))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Close()
	assert.Zero(t, f.hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "%v", err)
}
