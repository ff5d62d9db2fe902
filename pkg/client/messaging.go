package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alcovechat/rtc-core/pkg/identity"
	"github.com/alcovechat/rtc-core/pkg/protocol"
)

// SendMessage sends a chat message, end-to-end encrypted when the
// recipient has a published key. expiresIn of zero sends a permanent
// message. Returns the message ID.
func (c *Client) SendMessage(toUserID, chatID, text string, expiresIn time.Duration) (string, error) {
	body := text
	if peerKey, err := c.peerKey(toUserID); err == nil {
		sealed, err := c.identity.Encrypt([]byte(text), peerKey)
		if err != nil {
			return "", fmt.Errorf("encrypt message: %w", err)
		}
		body = sealed
	}

	msg := &protocol.ChatMessage{
		MessageID: uuid.NewString(),
		ToUserID:  toUserID,
		ChatID:    chatID,
		Body:      body,
	}
	if expiresIn > 0 {
		msg.ExpiresInSec = int64(expiresIn.Seconds())
	}

	if err := c.Send(protocol.MustEnvelope(protocol.TypeChatMessage, msg)); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// publishIdentity uploads the local public key to the relay directory.
func (c *Client) publishIdentity() error {
	pub, err := c.identity.GetOrCreateIdentity()
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"publicKey": pub.String()})
	req, err := http.NewRequest(http.MethodPost, c.cfg.APIURL+"/keys", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish key: status %d", resp.StatusCode)
	}
	return nil
}

// peerKey resolves a user's published key, with a per-client cache.
// Identity keys are long-lived; the cache holds for the connection.
func (c *Client) peerKey(userID string) (identity.PublicKey, error) {
	c.keysMu.Lock()
	if key, ok := c.peerKeys[userID]; ok {
		c.keysMu.Unlock()
		return key, nil
	}
	c.keysMu.Unlock()

	req, err := http.NewRequest(http.MethodGet, c.cfg.APIURL+"/keys/"+userID, nil)
	if err != nil {
		return identity.PublicKey{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("fetch key for %s: %w", userID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return identity.PublicKey{}, fmt.Errorf("fetch key for %s: status %d", userID, resp.StatusCode)
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return identity.PublicKey{}, fmt.Errorf("fetch key for %s: %w", userID, err)
	}
	key, err := identity.ParsePublicKey(body.PublicKey)
	if err != nil {
		return identity.PublicKey{}, err
	}

	c.keysMu.Lock()
	c.peerKeys[userID] = key
	c.keysMu.Unlock()
	return key, nil
}
