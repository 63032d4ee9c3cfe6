package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/outpace-network/validatorx/pkg/aggregator"
	"github.com/outpace-network/validatorx/pkg/config"
	"github.com/outpace-network/validatorx/pkg/db/memory"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/testutil"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/worker"
)

func testConfig(identity string) *config.Config {
	aggr := aggregator.DefaultConfig()
	aggr.Throttle = 0
	wcfg := worker.DefaultConfig()
	wcfg.HeartbeatInterval = 0
	return &config.Config{
		Addr:               ":0",
		StoreDriver:        config.StoreMemory,
		Adapter:            config.AdapterDummy,
		DummyIdentity:      identity,
		TickInterval:       time.Hour,
		PropagationTimeout: 2 * time.Second,
		MaxChannels:        16,
		EventsFindLimit:    100,
		WorkerPoolSize:     4,
		Aggregator:         aggr,
		Worker:             wcfg,
		Channels: outpace.ChannelRules{
			CoreAddress:  testutil.CoreAddress,
			MaxSpecBytes: 35000,
		},
	}
}

type node struct {
	app *App
	srv *httptest.Server
	url string
}

// startNode reserves a listener first so its URL can be written into the
// channel; build then installs the App and starts serving.
func startNode(t *testing.T) (*node, func(identity string)) {
	srv := httptest.NewUnstartedServer(nil)
	n := &node{srv: srv, url: "http://" + srv.Listener.Addr().String()}
	t.Cleanup(srv.Close)

	build := func(identity string) {
		cfg := testConfig(identity)
		app, err := New(zaptest.NewLogger(t), cfg, adapter.NewDummy(identity), memory.New(), nil)
		require.NoError(t, err)
		n.app = app
		srv.Config.Handler = app.Router()
		srv.Start()
		t.Cleanup(func() { app.Stop(context.Background()) })
	}
	return n, build
}

// channelAt points the channel's validators at the given URLs.
func channelAt(t *testing.T, leaderURL, followerURL string, opts ...testutil.ChannelOption) *types.Channel {
	ch := testutil.NewChannel(opts...)
	ch.Spec.Validators[0].URL = leaderURL
	ch.Spec.Validators[1].URL = followerURL
	id, err := outpace.ChannelID(testutil.CoreAddress, ch)
	require.NoError(t, err)
	ch.ID = id
	return ch
}

func postEvents(t *testing.T, base, channelID string, events []types.Event) (int, aggregator.Result) {
	body, err := json.Marshal(eventsRequest{Events: events})
	require.NoError(t, err)
	resp, err := http.Post(base+"/channel/"+channelID+"/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res aggregator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestValidatorsAgreeOverHTTP(t *testing.T) {
	ctx := context.Background()
	leader, buildLeader := startNode(t)
	follower, buildFollower := startNode(t)
	buildLeader(testutil.LeaderID)
	buildFollower(testutil.FollowerID)

	open := testutil.WithSubmission(types.SubmissionRule{})
	ch := channelAt(t, leader.url, follower.url, open)
	require.NoError(t, leader.app.LoadChannels(ctx, []*types.Channel{ch}))
	require.NoError(t, follower.app.LoadChannels(ctx, []*types.Channel{ch}))
	// loading twice is a no-op
	require.NoError(t, leader.app.LoadChannels(ctx, []*types.Channel{ch}))

	events := testutil.Impressions(10, testutil.Publisher)
	for _, n := range []*node{leader, follower} {
		code, res := postEvents(t, n.url, ch.ID, events)
		require.Equal(t, http.StatusOK, code)
		require.True(t, res.Success)
	}

	require.NoError(t, leader.app.TickOnce(ctx))
	proposed, err := leader.app.Store.LatestValidatorMessage(ctx, ch.ID, testutil.LeaderID, types.TypeNewState)
	require.NoError(t, err)
	require.NotNil(t, proposed)
	ns := proposed.Msg.(*types.NewState)

	// the follower received the proposal over HTTP
	received, err := follower.app.Store.LatestValidatorMessage(ctx, ch.ID, testutil.LeaderID, types.TypeNewState)
	require.NoError(t, err)
	require.NotNil(t, received)

	require.NoError(t, follower.app.TickOnce(ctx))
	approval, err := leader.app.Store.LatestValidatorMessage(ctx, ch.ID, testutil.FollowerID, types.TypeApproveState)
	require.NoError(t, err)
	require.NotNil(t, approval)
	as := approval.Msg.(*types.ApproveState)
	assert.Equal(t, ns.StateRoot, as.StateRoot)
	assert.True(t, as.IsHealthy)
	assert.False(t, as.Exhausted)

	hb, err := follower.app.Store.LatestValidatorMessage(ctx, ch.ID, testutil.LeaderID, types.TypeHeartbeat)
	require.NoError(t, err)
	assert.NotNil(t, hb)
}

func TestPostEvents(t *testing.T) {
	n, build := startNode(t)
	build(testutil.LeaderID)
	ch := channelAt(t, n.url, "http://follower.local")
	require.NoError(t, n.app.LoadChannels(context.Background(), []*types.Channel{ch}))

	// default rules rate limit by ip, one event at a time
	code, res := postEvents(t, n.url, ch.ID, testutil.Impressions(2, testutil.Publisher))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rateLimit: only allows 1 event", res.Message)

	code, res = postEvents(t, n.url, ch.ID, testutil.Impressions(1, testutil.Publisher))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)

	code, _ = postEvents(t, n.url, ch.ID, testutil.Impressions(1, testutil.Publisher))
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = postEvents(t, n.url, "0x"+string(bytes.Repeat([]byte("ab"), 32)), testutil.Impressions(1, testutil.Publisher))
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Post(n.url+"/channel/"+ch.ID+"/events", "application/json", bytes.NewReader([]byte(`{"events":[]}`)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExhaustedChannelRefusesEventsAtOnce(t *testing.T) {
	ctx := context.Background()
	n, build := startNode(t)
	build(testutil.LeaderID)
	ch := channelAt(t, n.url, "http://follower.local", testutil.WithSubmission(types.SubmissionRule{}))
	require.NoError(t, n.app.LoadChannels(ctx, []*types.Channel{ch}))

	code, _ := postEvents(t, n.url, ch.ID, testutil.Impressions(1, testutil.Publisher))
	require.Equal(t, http.StatusOK, code)

	root, err := outpace.StateRootHex(ch.ID, types.Balances{testutil.Publisher: ch.Deposit()})
	require.NoError(t, err)
	raw, err := outpace.DecodeStateRoot(root)
	require.NoError(t, err)
	sig, err := adapter.NewDummy(testutil.FollowerID).Sign(raw)
	require.NoError(t, err)
	approval := &types.ApproveState{StateRoot: root, Signature: sig, IsHealthy: true, Exhausted: true}
	require.NoError(t, n.app.Receiver.Receive(ctx, ch.ID, testutil.FollowerID, false, []types.Message{approval}))

	code, res := postEvents(t, n.url, ch.ID, testutil.Impressions(1, testutil.Publisher))
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "channel is exhausted", res.Message)
}

func TestLoadChannelsRejectsForeignChannel(t *testing.T) {
	n, build := startNode(t)
	build(testutil.Address(0xbeef))
	ch := channelAt(t, n.url, "http://follower.local")
	require.ErrorIs(t, n.app.LoadChannels(context.Background(), []*types.Channel{ch}), outpace.ErrInvalidChannel)
}

func TestHealthEndpoints(t *testing.T) {
	n, build := startNode(t)
	build(testutil.LeaderID)

	get := func(path string) int {
		resp, err := http.Get(n.url + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))

	require.NoError(t, n.app.SetupScheduler(context.Background()))
	n.app.StartCron()
	assert.Equal(t, http.StatusOK, get("/readyz"))
}

func TestSessionFromRequest(t *testing.T) {
	cfg := testConfig(testutil.LeaderID)
	cfg.SentryToken = "s3cret"
	a := &App{Config: cfg}

	r := httptest.NewRequest(http.MethodPost, "/channel/x/events", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	r.Header.Set("Referer", "https://pub.example/page")
	r.Header.Set(UIDHeader, testutil.CreatorID)
	sess := a.session(r)
	assert.Equal(t, "10.0.0.7", sess.IP)
	assert.Equal(t, "pub.example", sess.ReferrerHostname)
	assert.Empty(t, sess.UID)

	r.Header.Set("Authorization", "Bearer s3cret")
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	sess = a.session(r)
	assert.Equal(t, "1.2.3.4", sess.IP)
	assert.Equal(t, testutil.CreatorID, sess.UID)
}
