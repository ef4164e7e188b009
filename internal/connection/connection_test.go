package connection

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
)

const (
	offerSDP  = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=offer\r\n"
	answerSDP = "v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\ns=answer\r\n"
)

var hostCandidate = signalmsg.Candidate{SDPMLineIndex: 0, SDPMid: "0", Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}

func offerDesc() signalmsg.SessionDescription {
	return signalmsg.SessionDescription{Type: signalmsg.SDPTypeOffer, SDP: offerSDP}
}

func answerDesc() signalmsg.SessionDescription {
	return signalmsg.SessionDescription{Type: signalmsg.SDPTypeAnswer, SDP: answerSDP}
}

// toCalling drives a caller through scenario 1.
func toCalling(t *testing.T, h *harness) {
	t.Helper()
	h.conn.Connect()
	h.events().OnLocalDescription(offerDesc())
	require.Equal(t, StatusCallingWaitingAnswer, h.conn.Status())
}

// toAnswered drives a callee through scenario 2.
func toAnswered(t *testing.T, h *harness) {
	t.Helper()
	h.conn.HandleSignal(signalmsg.Offer(h.conn.PeerID(), offerSDP))
	h.events().OnLocalDescription(answerDesc())
	require.Equal(t, StatusAnsweredWaitingStream, h.conn.Status())
}

func TestNew_ReportsInitialStatus(t *testing.T) {
	h := newHarness(t, "A", "B")
	assert.Equal(t, StatusNew, h.conn.Status())
	assert.Equal(t, []transition{{"", StatusNew}}, h.handler.seen())
}

func TestNew_NativeFactoryFailure(t *testing.T) {
	m := metrics.New()
	_, err := New(Config{
		LocalID: "A",
		PeerID:  "B",
		Native:  &fakeFactory{err: errBoom},
		Sender:  &fakeSender{},
		Handler: &recordingHandler{},
		Metrics: m,
	})
	require.ErrorIs(t, err, errBoom)
	assert.EqualValues(t, 1, m.Get(metrics.NativeCreateFailed))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{LocalID: "A", PeerID: "B"})
	assert.Error(t, err)
	_, err = New(Config{PeerID: "B", Native: &fakeFactory{}, Sender: &fakeSender{}, Handler: &recordingHandler{}})
	assert.Error(t, err)
}

func TestConnect_SendsOfferOnceLocalDescriptionReady(t *testing.T) {
	h := newHarness(t, "A", "B")

	h.conn.Connect()
	assert.Equal(t, StatusStartedWaitingCall, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().offers)
	assert.Empty(t, h.sender.messages(), "nothing is sent before the offer exists")

	h.events().OnLocalDescription(offerDesc())

	assert.Equal(t, StatusCallingWaitingAnswer, h.conn.Status())
	calls := h.native.snapshot()
	assert.Equal(t, []signalmsg.SessionDescription{offerDesc()}, calls.local)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "B", sent[0].dest)
	assert.Equal(t, signalmsg.Offer("A", offerSDP), sent[0].msg)

	assert.Equal(t, []transition{
		{"", StatusNew},
		{StatusNew, StatusStartedWaitingCall},
		{StatusStartedWaitingCall, StatusCallingWaitingAnswer},
	}, h.handler.seen())
}

func TestConnect_IsNoopOutsideNew(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.conn.Connect()
	h.conn.Connect()
	assert.Equal(t, 1, h.native.snapshot().offers)

	callee := newHarness(t, "B", "A")
	callee.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
	callee.conn.Connect()
	assert.Equal(t, StatusReceivedWaitingAnswer, callee.conn.Status())
	assert.Zero(t, callee.native.snapshot().offers)
}

func TestOffer_AnsweredWhenNew(t *testing.T) {
	h := newHarness(t, "B", "A")

	h.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
	assert.Equal(t, StatusReceivedWaitingAnswer, h.conn.Status())
	calls := h.native.snapshot()
	assert.Equal(t, []signalmsg.SessionDescription{offerDesc()}, calls.remote)
	assert.Equal(t, 1, calls.answers)

	h.events().OnLocalDescription(answerDesc())
	assert.Equal(t, StatusAnsweredWaitingStream, h.conn.Status())

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "A", sent[0].dest)
	assert.Equal(t, signalmsg.Answer("B", answerSDP), sent[0].msg)
}

func TestAnswer_AcceptedOnceWhileCalling(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)

	h.conn.HandleSignal(signalmsg.Answer("B", answerSDP))
	assert.Equal(t, StatusAnswerReceivedWaitingStream, h.conn.Status())

	// A duplicate answer is dropped without touching the native session.
	h.conn.HandleSignal(signalmsg.Answer("B", answerSDP))
	assert.Equal(t, StatusAnswerReceivedWaitingStream, h.conn.Status())
	assert.Len(t, h.native.snapshot().remote, 1)
	assert.EqualValues(t, 1, h.metrics.Get(metrics.DropUnexpectedState))
}

func TestAnswer_IgnoredWhenNew(t *testing.T) {
	h := newHarness(t, "A", "B")

	assert.NotPanics(t, func() { h.conn.HandleSignal(signalmsg.Answer("B", answerSDP)) })
	assert.Equal(t, StatusNew, h.conn.Status())
	assert.Empty(t, h.native.snapshot().remote)
	assert.Len(t, h.handler.seen(), 1)
}

func TestOffer_RejectedDuringOutboundCallAndStreaming(t *testing.T) {
	t.Run("started", func(t *testing.T) {
		h := newHarness(t, "A", "B")
		h.conn.Connect()
		h.conn.HandleSignal(signalmsg.Offer("B", offerSDP))
		assert.Equal(t, StatusStartedWaitingCall, h.conn.Status())
	})
	t.Run("calling", func(t *testing.T) {
		h := newHarness(t, "A", "B")
		toCalling(t, h)
		h.conn.HandleSignal(signalmsg.Offer("B", offerSDP))
		assert.Equal(t, StatusCallingWaitingAnswer, h.conn.Status())
		assert.Zero(t, h.native.snapshot().answers)
	})
	t.Run("answer received", func(t *testing.T) {
		h := newHarness(t, "A", "B")
		toCalling(t, h)
		h.conn.HandleSignal(signalmsg.Answer("B", answerSDP))
		h.conn.HandleSignal(signalmsg.Offer("B", offerSDP))
		assert.Equal(t, StatusAnswerReceivedWaitingStream, h.conn.Status())
	})
	t.Run("streaming", func(t *testing.T) {
		h := newHarness(t, "B", "A")
		toAnswered(t, h)
		h.events().OnRemoteStreamAdded(stream("s1"))
		h.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
		assert.Equal(t, StatusStreaming, h.conn.Status())
		assert.Equal(t, 1, h.native.snapshot().answers)
	})
	t.Run("disconnected", func(t *testing.T) {
		h := newHarness(t, "B", "A")
		h.conn.Disconnect()
		h.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
		assert.Equal(t, StatusDisconnected, h.conn.Status())
		assert.Zero(t, h.native.snapshot().callsAfterClose)
	})
}

func TestOffer_ResentOfferRestartsAnswer(t *testing.T) {
	h := newHarness(t, "B", "A")
	toAnswered(t, h)

	h.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
	assert.Equal(t, StatusReceivedWaitingAnswer, h.conn.Status())
	assert.Equal(t, 2, h.native.snapshot().answers)
}

func TestCandidate_DroppedBeforeRemoteDescriptionAndNeverReplayed(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)

	h.conn.HandleSignal(signalmsg.CandidateMessage("B", hostCandidate))
	assert.Empty(t, h.native.snapshot().candidates)
	assert.EqualValues(t, 1, h.metrics.Get(metrics.DropCandidateNoRemote))

	h.conn.HandleSignal(signalmsg.Answer("B", answerSDP))
	assert.Empty(t, h.native.snapshot().candidates, "dropped candidates must not be applied later")

	later := hostCandidate
	later.Candidate = "candidate:2 1 udp 2130706431 10.0.0.1 5001 typ host"
	h.conn.HandleSignal(signalmsg.CandidateMessage("B", later))
	assert.Equal(t, []signalmsg.Candidate{later}, h.native.snapshot().candidates)
}

func TestCandidate_AcceptedInAnyStateAfterRemoteDescription(t *testing.T) {
	h := newHarness(t, "B", "A")
	h.conn.HandleSignal(signalmsg.Offer("A", offerSDP))
	h.conn.HandleSignal(signalmsg.CandidateMessage("A", hostCandidate))
	toAnswered(t, h)
	h.conn.HandleSignal(signalmsg.CandidateMessage("A", hostCandidate))
	assert.Len(t, h.native.snapshot().candidates, 2)
}

func TestLocalCandidate_SentImmediately(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)

	h.events().OnLocalCandidate(hostCandidate)

	sent := h.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, signalmsg.CandidateMessage("A", hostCandidate), sent[1].msg)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)

	assert.NotPanics(t, func() {
		h.conn.Disconnect()
		h.conn.Disconnect()
	})

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.Equal(t, 1, h.sender.count(signalmsg.TypeDisconnect))

	last := h.handler.seen()[len(h.handler.seen())-1]
	assert.Equal(t, transition{StatusCallingWaitingAnswer, StatusDisconnected}, last)
}

func TestDisconnect_FromNew(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.conn.Disconnect()
	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
}

func TestDisconnect_SendFailureStillCommits(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.sender.err = errBoom

	h.conn.Disconnect()

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.EqualValues(t, 1, h.metrics.Get(metrics.SignalSendFailed))
}

func TestPeerDisconnect_TearsDownWithoutReply(t *testing.T) {
	h := newHarness(t, "B", "A")
	toAnswered(t, h)

	h.conn.HandleSignal(signalmsg.Disconnect("A"))

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.Zero(t, h.sender.count(signalmsg.TypeDisconnect))
}

func TestConnectivityLost_WhileStreaming(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)
	h.conn.HandleSignal(signalmsg.Answer("B", answerSDP))
	h.events().OnRemoteStreamAdded(stream("video"))
	require.Equal(t, StatusStreaming, h.conn.Status())

	h.events().OnConnectivityLost()

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.Equal(t, 1, h.sender.count(signalmsg.TypeDisconnect))
	assert.EqualValues(t, 1, h.metrics.Get(metrics.ConnectivityLost))

	// A late duplicate from the engine changes nothing.
	h.events().OnConnectivityLost()
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.Equal(t, 1, h.sender.count(signalmsg.TypeDisconnect))
}

func TestNegotiationFailed_Disconnects(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.conn.Connect()

	h.events().OnNegotiationFailed(errBoom)

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.native.snapshot().closed)
	assert.EqualValues(t, 1, h.metrics.Get(metrics.NegotiationFailed))
}

func TestRemoteStream_AddedThenRemoved(t *testing.T) {
	h := newHarness(t, "B", "A")
	toAnswered(t, h)

	h.events().OnRemoteStreamAdded(stream("s1"))
	h.events().OnRemoteStreamAdded(stream("s2"))
	assert.Equal(t, StatusStreaming, h.conn.Status())
	assert.Equal(t, []string{"s1", "s2"}, h.handler.added)

	h.events().OnRemoteStreamRemoved(stream("s1"))
	assert.Equal(t, []string{"s1"}, h.handler.removed)
	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 1, h.sender.count(signalmsg.TypeDisconnect))

	h.events().OnRemoteStreamRemoved(stream("s2"))
	assert.Equal(t, []string{"s1"}, h.handler.removed)
}

func TestRemoteStream_IgnoredBeforeDescriptionsExchanged(t *testing.T) {
	h := newHarness(t, "A", "B")
	toCalling(t, h)
	h.events().OnRemoteStreamAdded(stream("s1"))
	assert.Equal(t, StatusCallingWaitingAnswer, h.conn.Status())
	assert.Empty(t, h.handler.added)
}

func TestLocalDescription_UnexpectedStatusStalls(t *testing.T) {
	h := newHarness(t, "A", "B")

	h.events().OnLocalDescription(offerDesc())

	assert.Equal(t, StatusNew, h.conn.Status())
	assert.Empty(t, h.sender.messages())
	assert.EqualValues(t, 1, h.metrics.Get(metrics.LocalDescriptionUnexpected))
}

func TestEventsAfterDisconnect_AreIgnored(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.conn.Connect()
	h.conn.Disconnect()
	sentBefore := len(h.sender.messages())

	h.events().OnLocalDescription(offerDesc())
	h.events().OnLocalCandidate(hostCandidate)
	h.events().OnRemoteStreamAdded(stream("s"))
	h.events().OnNegotiationFailed(errBoom)

	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Len(t, h.sender.messages(), sentBefore)
	assert.Zero(t, h.native.snapshot().callsAfterClose)
}

func TestHandleSignal_DropsMalformedAndForeign(t *testing.T) {
	h := newHarness(t, "A", "B")

	h.conn.HandleSignal(signalmsg.Message{Sender: "B", Type: signalmsg.TypeOffer})
	h.conn.HandleSignal(signalmsg.Offer("C", offerSDP))

	assert.Equal(t, StatusNew, h.conn.Status())
	assert.EqualValues(t, 2, h.metrics.Get(metrics.DropMalformed))
}

// allowedTransitions is derived from the transition table so the property
// below checks the connection against its own declared machine.
func allowedTransitions() map[transition]bool {
	out := map[transition]bool{{"", StatusNew}: true}
	for _, ev := range transitions {
		for _, src := range ev.Src {
			out[transition{Status(src), Status(ev.Dst)}] = true
		}
	}
	return out
}

func TestConcurrentOperations_OnlyFollowDeclaredTransitions(t *testing.T) {
	allowed := allowedTransitions()

	for seed := int64(0); seed < 25; seed++ {
		h := newHarness(t, "A", "B")
		ops := []func(){
			h.conn.Connect,
			h.conn.Disconnect,
			func() { h.conn.HandleSignal(signalmsg.Offer("B", offerSDP)) },
			func() { h.conn.HandleSignal(signalmsg.Answer("B", answerSDP)) },
			func() { h.conn.HandleSignal(signalmsg.CandidateMessage("B", hostCandidate)) },
			func() { h.events().OnLocalDescription(offerDesc()) },
			func() { h.events().OnLocalDescription(answerDesc()) },
			func() { h.events().OnLocalCandidate(hostCandidate) },
			func() { h.events().OnRemoteStreamAdded(stream("s")) },
		}

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(r *rand.Rand) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					ops[r.Intn(len(ops))]()
				}
			}(rand.New(rand.NewSource(seed*10 + int64(g))))
		}
		wg.Wait()
		h.conn.Disconnect()

		seen := h.handler.seen()
		for i, tr := range seen {
			require.True(t, allowed[tr], "seed %d: illegal transition %v", seed, tr)
			if i > 0 {
				require.Equal(t, seen[i-1].to, tr.from, "seed %d: notifications out of order", seed)
			}
		}
		calls := h.native.snapshot()
		assert.Equal(t, 1, calls.closed, "seed %d", seed)
		assert.Zero(t, calls.callsAfterClose, "seed %d", seed)
		assert.LessOrEqual(t, h.sender.count(signalmsg.TypeDisconnect), 1, "seed %d", seed)
	}
}
