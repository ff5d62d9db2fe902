package client

import (
	"fmt"
)

// The guard below keeps a device out of two calls at once: a 1:1 call
// and a mesh call never overlap, and joining a second mesh requires
// leaving the first.

// StartCall begins a 1:1 call.
func (c *Client) StartCall(peerUserID, kind string) error {
	if chats := c.mesh.JoinedChats(); len(chats) > 0 {
		return fmt.Errorf("%w: in group call %s", ErrCallInProgress, chats[0])
	}
	return c.calls.Initiate(peerUserID, kind)
}

// AcceptCall answers a ringing 1:1 call.
func (c *Client) AcceptCall(peerUserID string) error {
	if chats := c.mesh.JoinedChats(); len(chats) > 0 {
		return fmt.Errorf("%w: in group call %s", ErrCallInProgress, chats[0])
	}
	return c.calls.Accept(peerUserID)
}

// RejectCall declines a ringing 1:1 call.
func (c *Client) RejectCall(peerUserID string) error {
	return c.calls.Reject(peerUserID)
}

// EndCall hangs up a 1:1 call.
func (c *Client) EndCall(peerUserID string) error {
	return c.calls.End(peerUserID)
}

// JoinGroupCall enters a chat's mesh call.
func (c *Client) JoinGroupCall(chatID, kind string) error {
	if peers := c.calls.ActivePeers(); len(peers) > 0 {
		return fmt.Errorf("%w: in call with %s", ErrCallInProgress, peers[0])
	}
	if chats := c.mesh.JoinedChats(); len(chats) > 0 {
		return fmt.Errorf("%w: in group call %s", ErrCallInProgress, chats[0])
	}
	return c.mesh.Join(chatID, kind)
}

// LeaveGroupCall exits a chat's mesh call.
func (c *Client) LeaveGroupCall(chatID string) error {
	return c.mesh.Leave(chatID)
}
