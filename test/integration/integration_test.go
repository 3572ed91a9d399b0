// End-to-end scenarios over the loopback fabric: full sessions, credits,
// segmentation, retransmission, and teardown through the public API only.
package integration

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"testing"
	"time"

	erpc "github.com/A-Jer/erpc-go"
	"github.com/A-Jer/erpc-go/fabric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reverseReqType  = 1
	checksumReqType = 2
	pumpTimeout     = 10 * time.Second
)

type testRig struct {
	cluster  *erpc.LoopbackCluster
	client   *erpc.Endpoint
	server   *erpc.Endpoint
	clientLB *fabric.Loopback
	serverLB *fabric.Loopback
	clientSM *erpc.SMRecorder
	sn       int
}

func newRig(t *testing.T, params erpc.Params) *testRig {
	t.Helper()

	cluster, err := erpc.NewLoopbackCluster(params)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	serverSM := &erpc.SMRecorder{}
	server, serverLB, err := cluster.NewEndpoint(1, serverSM.Handler())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	// Reversal echo: the response is the request bytes reversed.
	require.NoError(t, server.RegisterReqHandler(reverseReqType, func(h *erpc.ReqHandle) {
		req := h.ReqBuf.Payload()
		resp, err := server.AllocMsgBuffer(len(req))
		require.NoError(t, err)
		out := resp.Payload()
		for i, b := range req {
			out[len(req)-1-i] = b
		}
		h.RespBuf = resp
		require.NoError(t, server.EnqueueResponse(h))
	}))

	// Checksum: the response is the 8-byte FNV-1a hash of the request.
	require.NoError(t, server.RegisterReqHandler(checksumReqType, func(h *erpc.ReqHandle) {
		sum := fnv.New64a()
		sum.Write(h.ReqBuf.Payload())
		resp, err := server.AllocMsgBuffer(8)
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(resp.Payload(), sum.Sum64())
		h.RespBuf = resp
		require.NoError(t, server.EnqueueResponse(h))
	}))

	clientSM := &erpc.SMRecorder{}
	client, clientLB, err := cluster.NewEndpoint(2, clientSM.Handler())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	sn, err := erpc.ConnectLoopback(client, server, pumpTimeout)
	require.NoError(t, err)

	return &testRig{
		cluster:  cluster,
		client:   client,
		server:   server,
		clientLB: clientLB,
		serverLB: serverLB,
		clientSM: clientSM,
		sn:       sn,
	}
}

func testParams() erpc.Params {
	p := erpc.DefaultParams()
	p.RetxInterval = 2 * time.Millisecond
	return p
}

// call issues one request and pumps both endpoints to completion.
func (r *testRig) call(t *testing.T, reqType uint8, req []byte, respCap int) []byte {
	t.Helper()
	reqBuf, err := r.client.AllocMsgBuffer(len(req))
	require.NoError(t, err)
	respBuf, err := r.client.AllocMsgBuffer(respCap)
	require.NoError(t, err)
	copy(reqBuf.Payload(), req)

	done := false
	require.NoError(t, r.client.EnqueueRequest(r.sn, reqType, reqBuf, respBuf, func(tag any, err error) {
		require.NoError(t, err)
		done = true
	}, nil))
	require.True(t, erpc.Pump([]*erpc.Endpoint{r.client, r.server}, func() bool { return done }, pumpTimeout),
		"request did not complete")

	out := append([]byte(nil), respBuf.Payload()...)
	require.NoError(t, r.client.FreeMsgBuffer(reqBuf))
	require.NoError(t, r.client.FreeMsgBuffer(respBuf))
	return out
}

func TestSingleEcho(t *testing.T) {
	rig := newRig(t, testParams())

	req := bytes.Repeat([]byte{0xAA}, 64)
	req[0] = 0x01 // make reversal observable
	resp := rig.call(t, reverseReqType, req, 64)

	want := make([]byte, 64)
	for i, b := range req {
		want[len(req)-1-i] = b
	}
	assert.Equal(t, want, resp)
}

func TestLargeMessageChecksums(t *testing.T) {
	rig := newRig(t, testParams())

	iterations := 200
	if testing.Short() {
		iterations = 20
	}
	rng := rand.New(rand.NewSource(42))
	req := make([]byte, 1<<20)

	for i := 0; i < iterations; i++ {
		rng.Read(req)
		sum := fnv.New64a()
		sum.Write(req)

		resp := rig.call(t, checksumReqType, req, 8)
		require.Len(t, resp, 8, "iteration %d", i)
		assert.Equal(t, sum.Sum64(), binary.LittleEndian.Uint64(resp), "iteration %d", i)
	}
}

func TestSessionChurn(t *testing.T) {
	rig := newRig(t, testParams())

	// Tear down the rig's session first so the space is empty.
	require.NoError(t, rig.client.DestroySession(rig.sn))
	require.True(t, erpc.Pump([]*erpc.Endpoint{rig.client, rig.server}, func() bool {
		return rig.client.NumSessions() == 0
	}, pumpTimeout))

	churn := 100
	if testing.Short() {
		churn = 10
	}
	for i := 0; i < churn; i++ {
		sn, err := erpc.ConnectLoopback(rig.client, rig.server, pumpTimeout)
		require.NoError(t, err, "churn %d", i)
		// Session numbers must come from the dense reuse pool.
		assert.LessOrEqual(t, sn, 1, "session number space leaked at churn %d", i)

		require.NoError(t, rig.client.DestroySession(sn))
		require.True(t, erpc.Pump([]*erpc.Endpoint{rig.client, rig.server}, func() bool {
			return rig.client.NumSessions() == 0 && rig.server.NumSessions() == 0
		}, pumpTimeout), "churn %d teardown", i)
	}
}

func TestCreditExhaustion(t *testing.T) {
	params := testParams()
	rig := newRig(t, params)

	completed := 0
	var reqs, resps []*erpc.MsgBuffer
	enqueue := func() error {
		reqBuf, err := rig.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		respBuf, err := rig.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		reqs = append(reqs, reqBuf)
		resps = append(resps, respBuf)
		return rig.client.EnqueueRequest(rig.sn, reverseReqType, reqBuf, respBuf,
			func(tag any, err error) {
				require.NoError(t, err)
				completed++
			}, nil)
	}

	// First window fills; the second half fails fast.
	for i := 0; i < params.SessionSlots; i++ {
		require.NoError(t, enqueue(), "request %d", i)
	}
	for i := 0; i < params.SessionSlots; i++ {
		err := enqueue()
		assert.True(t, erpc.IsCode(err, erpc.ErrCodeNoCredits), "request %d: %v", params.SessionSlots+i, err)
	}

	// Draining responses reopens the window.
	require.True(t, erpc.Pump([]*erpc.Endpoint{rig.client, rig.server}, func() bool {
		return completed == params.SessionSlots
	}, pumpTimeout))
	for i := 0; i < params.SessionSlots; i++ {
		require.NoError(t, enqueue(), "post-drain request %d", i)
	}
	require.True(t, erpc.Pump([]*erpc.Endpoint{rig.client, rig.server}, func() bool {
		return completed == 2*params.SessionSlots
	}, pumpTimeout))

	for i := range reqs {
		_ = rig.client.FreeMsgBuffer(reqs[i])
		_ = rig.client.FreeMsgBuffer(resps[i])
	}
}

func TestInjectedLoss(t *testing.T) {
	rig := newRig(t, testParams())

	// One in ten outbound packets vanishes, both directions.
	rig.clientLB.SetDropEveryNth(10)
	rig.serverLB.SetDropEveryNth(10)

	iterations := 100
	if testing.Short() {
		iterations = 10
	}
	rng := rand.New(rand.NewSource(7))
	req := make([]byte, 256<<10)

	for i := 0; i < iterations; i++ {
		rng.Read(req)
		sum := fnv.New64a()
		sum.Write(req)

		resp := rig.call(t, checksumReqType, req, 8)
		require.Equal(t, sum.Sum64(), binary.LittleEndian.Uint64(resp),
			"iteration %d corrupted under loss", i)
	}

	assert.NotZero(t, rig.client.Metrics().Snapshot().Retransmits,
		"loss at this rate must trigger retransmissions")
}

func TestUnreachablePeerTimesOut(t *testing.T) {
	params := testParams()
	params.SetupTimeout = 150 * time.Millisecond
	cluster, err := erpc.NewLoopbackCluster(params)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	rec := &erpc.SMRecorder{}
	ep, _, err := cluster.NewEndpoint(1, rec.Handler())
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	start := time.Now()
	sn, err := ep.CreateSession("127.0.0.1:9", 5)
	require.NoError(t, err)

	require.True(t, erpc.Pump([]*erpc.Endpoint{ep}, func() bool {
		return rec.Has(erpc.SMConnectFailed, sn)
	}, pumpTimeout), "SetupTimeout never delivered")
	assert.WithinDuration(t, start.Add(params.SetupTimeout), time.Now(), time.Second,
		"timeout should fire near the configured budget")

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.True(t, erpc.IsCode(events[len(events)-1].Err, erpc.ErrCodeSetupTimeout))
	assert.Zero(t, ep.NumSessions(), "reserved session number must be released")
}

func TestArenaBalancedAfterWorkload(t *testing.T) {
	rig := newRig(t, testParams())

	for i := 0; i < 25; i++ {
		rig.call(t, reverseReqType, []byte("workload"), 8)
	}
	require.NoError(t, rig.client.DestroySession(rig.sn))
	require.True(t, erpc.Pump([]*erpc.Endpoint{rig.client, rig.server}, func() bool {
		return rig.client.NumSessions() == 0 && rig.server.NumSessions() == 0
	}, pumpTimeout))

	clientOut, _ := rig.client.ArenaStats()
	serverOut, _ := rig.server.ArenaStats()
	assert.Zero(t, clientOut, "client arena leaked buffers")
	assert.Zero(t, serverOut, "server arena leaked buffers")
}
