package impl

import (
	"github.com/rs/zerolog/log"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/transport"
	"github.com/punchkad/punchkad/types"
)

// processFrame decodes one datagram and dispatches it. Malformed datagrams
// are dropped silently. Replies to our own outstanding requests are
// recognized by request id and demuxed to the waiting channel; everything
// else is handled as a request, in arrival order.
func (n *node) processFrame(frame transport.Frame) {
	msg, err := types.UnmarshalRPC(frame.Data)
	if err != nil {
		return
	}

	// Every message refreshes the sender in the routing table.
	n.addPeer(msg.SenderPeer())

	if channel, ok := n.replyChannels.Get(msg.RequestID); ok {
		select {
		case channel <- msg:
		default:
		}
		return
	}

	if n.issued.Contains(msg.RequestID) {
		// A reply whose waiter already gave up; answering it would answer
		// an answer.
		return
	}

	switch msg.Type {
	case types.RPCPing:
		n.handlePing(msg)
	case types.RPCStore:
		n.handleStore(msg)
	case types.RPCFindNode:
		n.handleFindNode(msg)
	case types.RPCFindValue:
		n.handleFindValue(msg)
	case types.RPCHolePunchRequest:
		n.handleHolePunchRequest(msg)
	case types.RPCHolePunchResponse:
		// Keep-alive confirmation; the sender upsert above is all there
		// is to do.
	}
}

// handlePing echoes the ping back.
func (n *node) handlePing(msg types.RPCMessage) {
	err := n.sendRPC(msg.SenderPeer(), n.reply(msg, types.RPCPing, nil))
	if err != nil {
		log.Error().Msgf("<[peer.Peer.handlePing] reply>: <%s>", err.Error())
	}
}

// handleStore inserts the carried record with the current timestamp.
func (n *node) handleStore(msg types.RPCMessage) {
	key, value, err := types.DecodeStorePayload(msg.Payload)
	if err != nil {
		return
	}

	n.store.Set(key, value)
}

// handleFindNode returns our k closest peers to the requested target.
func (n *node) handleFindNode(msg types.RPCMessage) {
	target, err := types.IDFromHex(string(msg.Payload))
	if err != nil {
		return
	}

	closest := n.table.Closest(target, peer.K)
	err = n.sendRPC(msg.SenderPeer(), n.reply(msg, types.RPCFindNode, types.EncodePeerList(closest)))
	if err != nil {
		log.Error().Msgf("<[peer.Peer.handleFindNode] reply>: <%s>", err.Error())
	}
}

// handleFindValue returns the value when we hold the key, and our k
// closest peers to the key's target otherwise. A miss reply goes out as a
// FIND_NODE so the waiter can tell the two apart.
func (n *node) handleFindValue(msg types.RPCMessage) {
	key := types.NewKey(msg.Payload)

	if value, ok := n.store.Get(key); ok {
		err := n.sendRPC(msg.SenderPeer(), n.reply(msg, types.RPCFindValue, value))
		if err != nil {
			log.Error().Msgf("<[peer.Peer.handleFindValue] reply>: <%s>", err.Error())
		}
		return
	}

	closest := n.table.Closest(key.Target(), peer.K)
	err := n.sendRPC(msg.SenderPeer(), n.reply(msg, types.RPCFindNode, types.EncodePeerList(closest)))
	if err != nil {
		log.Error().Msgf("<[peer.Peer.handleFindValue] reply>: <%s>", err.Error())
	}
}

// handleHolePunchRequest starts the response side of a punch and confirms
// to the requester.
func (n *node) handleHolePunchRequest(msg types.RPCMessage) {
	requester := msg.SenderPeer()

	// The punching sequence sleeps between packets; it must not stall the
	// receiver.
	go n.puncher.HandleRequest(requester)

	err := n.sendRPC(requester, n.reply(msg, types.RPCHolePunchResponse, nil))
	if err != nil {
		log.Error().Msgf("<[peer.Peer.handleHolePunchRequest] reply>: <%s>", err.Error())
	}
}
