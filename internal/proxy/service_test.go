package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-sync/internal/models"
)

type staticSource struct {
	cfgs map[string]*models.ProxyConfig
	err  error
}

func (s staticSource) ProxyConfig(_ context.Context, orgID string) (*models.ProxyConfig, error) {
	return s.cfgs[orgID], s.err
}

func rotatingConfig(org string) *models.ProxyConfig {
	return &models.ProxyConfig{
		OrgID: org, Host: "geo.proxy.test", Port: 12321, Username: "acct", Password: "secret",
		Rotate: true, StickyLifetime: 10 * time.Minute, Enabled: true,
	}
}

func TestNewIdentityShapes(t *testing.T) {
	src := staticSource{cfgs: map[string]*models.ProxyConfig{"org-1": rotatingConfig("org-1")}}
	svc := NewService(src, true, 0, nil)
	svc.newToken = func() string { return "abc123" }

	id, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, id)

	assert.Equal(t, "abc123", id.SessionID)
	assert.Equal(t, 10*time.Minute, id.Lifetime)

	raw := id.URL("http")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "geo.proxy.test:12321", u.Host)
	assert.Equal(t, "acct", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "secret_session-abc123_lifetime-10m", pw)

	assert.Equal(t, map[string]string{"http": raw, "https": raw}, id.Proxies())

	b := id.Browser()
	require.NotNil(t, b)
	assert.Equal(t, BrowserProxy{Host: "geo.proxy.test", Port: 12321, Username: "acct", Password: pw}, *b)
	assert.Equal(t, "geo.proxy.test:12321", b.Server())
}

func TestIdentitiesDifferAcrossRuns(t *testing.T) {
	src := staticSource{cfgs: map[string]*models.ProxyConfig{
		"org-1": rotatingConfig("org-1"),
		"org-2": rotatingConfig("org-2"),
	}}
	svc := NewService(src, true, 0, nil)

	a, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)
	b, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)
	c, err := svc.NewIdentity(context.Background(), "org-2")
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.NotEqual(t, a.SessionID, c.SessionID)
	// Within one run the identity is stable.
	assert.Equal(t, a.URL("http"), a.URL("http"))
}

func TestNoRotationKeepsPassword(t *testing.T) {
	cfg := rotatingConfig("org-1")
	cfg.Rotate = false
	svc := NewService(staticSource{cfgs: map[string]*models.ProxyConfig{"org-1": cfg}}, true, 0, nil)

	id, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, id.SessionID)
	assert.Equal(t, "secret", id.Browser().Password)
}

func TestMissingConfigDegradesToNoProxy(t *testing.T) {
	disabled := rotatingConfig("org-3")
	disabled.Enabled = false
	src := staticSource{cfgs: map[string]*models.ProxyConfig{"org-1": rotatingConfig("org-1"), "org-3": disabled}}

	svc := NewService(src, true, 0, nil)
	for _, org := range []string{"org-2", "org-3"} {
		id, err := svc.NewIdentity(context.Background(), org)
		require.NoError(t, err)
		assert.Nil(t, id)
		assert.Nil(t, id.Browser())
		assert.Empty(t, id.Proxies())
	}

	off := NewService(src, false, 0, nil)
	raw, err := off.CreateIdentityURL(context.Background(), "org-1", "https")
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestSourceErrorSurfaces(t *testing.T) {
	svc := NewService(staticSource{err: errors.New("db down")}, true, 0, nil)
	_, err := svc.NewIdentity(context.Background(), "org-1")
	assert.Error(t, err)
}

func TestFormatLifetime(t *testing.T) {
	assert.Equal(t, "10m", formatLifetime(10*time.Minute))
	assert.Equal(t, "1h", formatLifetime(time.Hour))
	assert.Equal(t, "90s", formatLifetime(90*time.Second))
}

func TestHTTPClientUsesProxy(t *testing.T) {
	svc := NewService(staticSource{cfgs: map[string]*models.ProxyConfig{"org-1": rotatingConfig("org-1")}}, true, 0, nil)
	id, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)

	client := HTTPClient(id, 5*time.Second)
	require.NotNil(t, client.Transport)
	assert.Equal(t, 5*time.Second, client.Timeout)
}

func TestVerifyRoutesThroughIdentity(t *testing.T) {
	var seenHost, seenAuth string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost, seenAuth = r.Host, r.Header.Get("Proxy-Authorization")
		if r.URL.Path != "/ip" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("203.0.113.7"))
	}))
	defer gateway.Close()

	host, portStr, err := net.SplitHostPort(gateway.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg := &models.ProxyConfig{OrgID: "org-1", Host: host, Port: port, Username: "acct", Password: "secret", Enabled: true}
	svc := NewService(staticSource{cfgs: map[string]*models.ProxyConfig{"org-1": cfg}}, true, 0, nil)
	id, err := svc.NewIdentity(context.Background(), "org-1")
	require.NoError(t, err)

	require.NoError(t, Verify(context.Background(), id, "http://exit.check.test/ip", 5*time.Second))
	assert.Equal(t, "exit.check.test", seenHost)
	assert.NotEmpty(t, seenAuth, "credentials are presented to the gateway")

	err = Verify(context.Background(), id, "http://exit.check.test/blocked", 5*time.Second)
	assert.ErrorContains(t, err, "status 502")
}
