package metrics

import "expvar"

var (
	peerCount        = expvar.NewInt("p2p_peer_count")
	handshakes       = expvar.NewInt("p2p_handshakes_total")
	messagesReceived = expvar.NewInt("p2p_messages_received_total")
	messagesSent     = expvar.NewInt("p2p_messages_sent_total")
	sendFailures     = expvar.NewInt("p2p_send_failures_total")
	dialFailures     = expvar.NewInt("p2p_dial_failures_total")
	decodeErrors     = expvar.NewInt("p2p_decode_errors_total")
	historySize      = expvar.NewInt("history_entries")
	votesApplied     = expvar.NewInt("history_votes_applied_total")
)

// SetPeerCount sets the current connected peer count.
func SetPeerCount(count int) {
	peerCount.Set(int64(count))
}

// IncHandshakes counts handshakes that registered a new peer.
func IncHandshakes() {
	handshakes.Add(1)
}

func IncMessagesReceived() {
	messagesReceived.Add(1)
}

func IncMessagesSent() {
	messagesSent.Add(1)
}

func IncSendFailures() {
	sendFailures.Add(1)
}

func IncDialFailures() {
	dialFailures.Add(1)
}

// IncDecodeErrors counts discarded protocol lines.
func IncDecodeErrors() {
	decodeErrors.Add(1)
}

func SetHistorySize(n int) {
	historySize.Set(int64(n))
}

func IncVotesApplied() {
	votesApplied.Add(1)
}
