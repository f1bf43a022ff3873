// Package whatsapp implements the WhatsApp channel adapter. The hub does not
// speak the WhatsApp wire protocol itself; it drives an Evolution API
// gateway over HTTP and receives message events back through webhooks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/automagik/omni/internal/channel"
)

// Credential keys read from InstanceConfig.Credentials.
const (
	credGatewayURL      = "evolution_url"
	credGatewayAPIKey   = "evolution_api_key"
	credGatewayInstance = "evolution_instance"
)

// gatewayClient is a thin HTTP client for one Evolution API deployment.
// All calls are scoped to a gateway-side instance name.
type gatewayClient struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
}

func newGatewayClient(cfg channel.InstanceConfig) (*gatewayClient, error) {
	baseURL := strings.TrimRight(cfg.Credential(credGatewayURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("instance %s: credential %q is required", cfg.Name, credGatewayURL)
	}
	instance := cfg.Credential(credGatewayInstance)
	if instance == "" {
		instance = cfg.Name
	}
	return &gatewayClient{
		baseURL:    baseURL,
		apiKey:     cfg.Credential(credGatewayAPIKey),
		instance:   instance,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *gatewayClient) sendText(ctx context.Context, number, text string) (string, error) {
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.instance, map[string]any{
		"number": number,
		"text":   text,
	}, &resp)
	return resp.Key.ID, err
}

func (c *gatewayClient) sendMedia(ctx context.Context, number string, media channel.MediaRef) (string, error) {
	payload := map[string]any{
		"number":    number,
		"mediatype": string(media.Kind),
		"media":     media.Reference(),
	}
	if media.Mime != "" {
		payload["mimetype"] = media.Mime
	}
	if media.Name != "" {
		payload["fileName"] = media.Name
	}
	if media.Caption != "" {
		payload["caption"] = media.Caption
	}
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	err := c.do(ctx, http.MethodPost, "/message/sendMedia/"+c.instance, payload, &resp)
	return resp.Key.ID, err
}

func (c *gatewayClient) sendAudio(ctx context.Context, number string, audio channel.MediaRef) (string, error) {
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	err := c.do(ctx, http.MethodPost, "/message/sendWhatsAppAudio/"+c.instance, map[string]any{
		"number": number,
		"audio":  audio.Reference(),
	}, &resp)
	return resp.Key.ID, err
}

func (c *gatewayClient) sendReaction(ctx context.Context, remoteJID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, "/message/sendReaction/"+c.instance, map[string]any{
		"key": map[string]any{
			"remoteJid": remoteJID,
			"fromMe":    false,
			"id":        messageID,
		},
		"reaction": emoji,
	}, nil)
}

// connect asks the gateway for pairing material. A connected instance
// returns neither a QR code nor a pairing code.
func (c *gatewayClient) connect(ctx context.Context) (channel.PairingInfo, error) {
	var resp struct {
		Base64      string `json:"base64"`
		Code        string `json:"code"`
		PairingCode string `json:"pairingCode"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance/connect/"+c.instance, nil, &resp); err != nil {
		return channel.PairingInfo{}, err
	}
	return channel.PairingInfo{
		QRCode:   resp.Base64,
		PairCode: resp.PairingCode,
	}, nil
}

func (c *gatewayClient) connectionState(ctx context.Context) (string, error) {
	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+c.instance, nil, &resp)
	return resp.Instance.State, err
}

// fetchProfile reads the owner JID and profile name the gateway knows for
// this instance.
func (c *gatewayClient) fetchProfile(ctx context.Context) (ownerJID, profileName string, err error) {
	var resp []struct {
		Name        string `json:"name"`
		OwnerJID    string `json:"ownerJid"`
		ProfileName string `json:"profileName"`
	}
	path := "/instance/fetchInstances?instanceName=" + url.QueryEscape(c.instance)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", "", err
	}
	for _, inst := range resp {
		if inst.Name == c.instance {
			return inst.OwnerJID, inst.ProfileName, nil
		}
	}
	return "", "", nil
}

func (c *gatewayClient) findContacts(ctx context.Context) ([]map[string]any, error) {
	var resp []map[string]any
	err := c.do(ctx, http.MethodPost, "/chat/findContacts/"+c.instance, map[string]any{}, &resp)
	return resp, err
}

func (c *gatewayClient) findChats(ctx context.Context) ([]map[string]any, error) {
	var resp []map[string]any
	err := c.do(ctx, http.MethodPost, "/chat/findChats/"+c.instance, map[string]any{}, &resp)
	return resp, err
}

func (c *gatewayClient) findMessages(ctx context.Context, remoteJID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	var resp struct {
		Messages struct {
			Records []map[string]any `json:"records"`
		} `json:"messages"`
	}
	err := c.do(ctx, http.MethodPost, "/chat/findMessages/"+c.instance, map[string]any{
		"where": map[string]any{
			"key": map[string]any{"remoteJid": remoteJID},
		},
		"limit": limit,
	}, &resp)
	return resp.Messages.Records, err
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
