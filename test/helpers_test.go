//go:build integration
// +build integration

package test

import (
	"bytes"
	"context"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/groovybytes/dashauth"
	"github.com/groovybytes/dashauth/idp/idptest"
	"github.com/groovybytes/dashauth/kv"
)

const baseURL = "https://dash.example"

type harness struct {
	engine *dashauth.Engine
	idp    *idptest.Server
	redis  *miniredis.Miniredis
	store  *kv.DB
}

func newHarness(t *testing.T, mutate func(*dashauth.Config)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedis(rdb, kv.WithRedisBase("it"))

	srv := idptest.NewServer(t)
	cfg := dashauth.DefaultConfig()
	cfg.Provider.ClientID = idptest.ClientID
	cfg.Provider.ClientSecret = idptest.ClientSecret
	cfg.Provider.TenantName = idptest.Tenant
	cfg.Provider.AuthorityDomain = srv.URL
	cfg.Provider.RedirectURI = baseURL + "/api/auth/redirect"
	cfg.Provider.BaseURL = baseURL
	cfg.Session.Secret = bytes.Repeat([]byte{5}, 32)
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := dashauth.New().
		WithConfig(cfg).
		WithStore(store).
		WithHTTPClient(srv.Client()).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	t.Cleanup(func() {
		engine.Close()
		_ = store.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &harness{engine: engine, idp: srv, redis: mr, store: store}
}

// initiate starts a journey and returns the state parameter of the
// authorization URL.
func (h *harness) initiate(t *testing.T, selector, referer string) string {
	t.Helper()
	res, err := h.engine.Initiate(context.Background(), selector, referer)
	if err != nil {
		t.Fatalf("initiate %s: %v", selector, err)
	}
	u, err := url.Parse(res.RedirectURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" || state != res.State {
		t.Fatalf("authorization url state %q does not match result %q", state, res.State)
	}
	return state
}
