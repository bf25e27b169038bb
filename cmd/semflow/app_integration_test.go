//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/semflow/config"
	flowengine "github.com/c360/semflow/engine"
	"github.com/c360/semflow/natsclient"
)

type AppIntegrationSuite struct {
	suite.Suite
	nats *natsclient.TestClient
}

func (s *AppIntegrationSuite) SetupSuite() {
	s.nats = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
}

func (s *AppIntegrationSuite) config(bucket string) *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Mode = config.StorageModeKV
	cfg.Storage.Bucket.Name = bucket
	cfg.NATS.URLs = []string{s.nats.URL}
	cfg.Events.Bridge = true
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	s.Require().NoError(cfg.Validate())
	return cfg
}

func (s *AppIntegrationSuite) startApp(cfg *config.Config) *app {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	s.Require().NoError(a.start(ctx))
	return a
}

func (s *AppIntegrationSuite) TestDeployPersistsToKV() {
	cfg := s.config("flows_persist")
	a := s.startApp(cfg)

	body := []byte(`[
		{"id":"t1","type":"tab","label":"Main"},
		{"id":"j1","type":"junction","z":"t1","wires":[]}
	]`)
	resp, err := http.Post("http://"+a.server.Addr()+"/flows", "application/json", bytes.NewReader(body))
	s.Require().NoError(err)
	var deployed struct {
		Rev string `json:"rev"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&deployed))
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().NoError(a.shutdown(5 * time.Second))

	restarted := s.startApp(cfg)
	defer func() { s.NoError(restarted.shutdown(5 * time.Second)) }()

	st := restarted.engine.State()
	s.Equal(deployed.Rev, st.Rev)
	s.Contains(st.Flows, "t1")
}

func (s *AppIntegrationSuite) TestBridgePublishesFlowEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []map[string]any
	)
	unsub, err := s.nats.Client.Subscribe(ctx, "semflow.events.flows.started", func(_ context.Context, data []byte) {
		var env map[string]any
		if json.Unmarshal(data, &env) == nil {
			mu.Lock()
			got = append(got, env)
			mu.Unlock()
		}
	})
	s.Require().NoError(err)
	defer func() { _ = unsub() }()

	a := s.startApp(s.config("flows_bridge"))
	defer func() { s.NoError(a.shutdown(5 * time.Second)) }()

	_, err = a.engine.SetFlows(ctx, nil, flowengine.DeployFull, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal("flows:started", got[0]["event"])
}

func TestAppIntegrationSuite(t *testing.T) {
	suite.Run(t, new(AppIntegrationSuite))
}
