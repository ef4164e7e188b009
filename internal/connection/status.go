package connection

import "github.com/looplab/fsm"

// Status is the negotiation step a Connection is in.
type Status string

const (
	StatusNew Status = "NEW"

	// Caller side.
	StatusStartedWaitingCall          Status = "STARTED_WAITING_CALL"
	StatusCallingWaitingAnswer        Status = "CALLING_WAITING_ANSWER"
	StatusAnswerReceivedWaitingStream Status = "ANSWER_RECEIVED_WAITING_STREAM"

	// Receiver side.
	StatusReceivedWaitingAnswer Status = "RECEIVED_WAITING_ANSWER"
	StatusAnsweredWaitingStream Status = "ANSWERED_WAITING_STREAM"

	StatusStreaming    Status = "STREAMING"
	StatusDisconnected Status = "DISCONNECTED"
)

// Connected reports whether both descriptions have been exchanged.
func (s Status) Connected() bool {
	return s == StatusAnswerReceivedWaitingStream || s == StatusAnsweredWaitingStream
}

// OutgoingCall reports whether the local side is mid way through placing a call.
func (s Status) OutgoingCall() bool {
	switch s {
	case StatusStartedWaitingCall, StatusCallingWaitingAnswer, StatusAnswerReceivedWaitingStream:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusDisconnected
}

const (
	evCall           = "call"
	evOfferSent      = "offer_sent"
	evAnswerReceived = "answer_received"
	evOfferReceived  = "offer_received"
	evAnswerSent     = "answer_sent"
	evStreamAdded    = "stream_added"
	evDisconnect     = "disconnect"
)

var nonTerminal = []string{
	string(StatusNew),
	string(StatusStartedWaitingCall),
	string(StatusCallingWaitingAnswer),
	string(StatusAnswerReceivedWaitingStream),
	string(StatusReceivedWaitingAnswer),
	string(StatusAnsweredWaitingStream),
	string(StatusStreaming),
}

// transitions is the complete set of legal moves. Anything not listed here is
// a protocol violation for the current status and is dropped by the caller.
var transitions = fsm.Events{
	{Name: evCall, Src: []string{string(StatusNew)}, Dst: string(StatusStartedWaitingCall)},
	{Name: evOfferSent, Src: []string{string(StatusStartedWaitingCall)}, Dst: string(StatusCallingWaitingAnswer)},
	{Name: evAnswerReceived, Src: []string{string(StatusCallingWaitingAnswer)}, Dst: string(StatusAnswerReceivedWaitingStream)},
	// The first offer wins; a peer resending its offer restarts the answer half.
	{Name: evOfferReceived, Src: []string{
		string(StatusNew),
		string(StatusReceivedWaitingAnswer),
		string(StatusAnsweredWaitingStream),
	}, Dst: string(StatusReceivedWaitingAnswer)},
	{Name: evAnswerSent, Src: []string{string(StatusReceivedWaitingAnswer)}, Dst: string(StatusAnsweredWaitingStream)},
	{Name: evStreamAdded, Src: []string{
		string(StatusAnswerReceivedWaitingStream),
		string(StatusAnsweredWaitingStream),
		string(StatusStreaming),
	}, Dst: string(StatusStreaming)},
	{Name: evDisconnect, Src: nonTerminal, Dst: string(StatusDisconnected)},
}

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(string(StatusNew), transitions, nil)
}
