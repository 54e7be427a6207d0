package chat

import "github.com/omochice/chatroom-session/pkg/protocol"

// feed is an append-only message sequence.
type feed []protocol.ChatMessage

func (f feed) snapshot() []protocol.ChatMessage {
	return append([]protocol.ChatMessage{}, f...)
}

// threads maps a peer to its private conversation, remembering the order in
// which peers first appeared.
type threads struct {
	byPeer map[protocol.Identity]feed
	order  []protocol.Identity
}

func newThreads() threads {
	return threads{byPeer: make(map[protocol.Identity]feed)}
}

// open creates an empty thread for peer if none exists.
func (t *threads) open(peer protocol.Identity) {
	if _, ok := t.byPeer[peer]; ok {
		return
	}
	t.byPeer[peer] = feed{}
	t.order = append(t.order, peer)
}

func (t *threads) append(peer protocol.Identity, msg protocol.ChatMessage) {
	t.open(peer)
	t.byPeer[peer] = append(t.byPeer[peer], msg)
}

func (t *threads) get(peer protocol.Identity) feed {
	return t.byPeer[peer]
}
