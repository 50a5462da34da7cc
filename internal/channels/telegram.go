package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jiyundev/agentbridge/internal/envelope"
)

// Publisher puts envelopes onto the relay bus.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Telegram watches a group chat with long polling and bridges it onto
// the relay bus. The bot API never delivers another bot's messages, so
// bot-to-bot visibility happens over the bus, not here.
type Telegram struct {
	BaseChannel
	Token  string
	ChatID string // destination chat for rendered output

	pub      Publisher
	client   *http.Client
	botUser  string
	apiBase  string // overridable in tests
	cancelFn context.CancelFunc
}

// NewTelegram creates a Telegram channel publishing onto pub.
func NewTelegram(token, chatID string, allowFrom []string, pub Publisher) *Telegram {
	return &Telegram{
		BaseChannel: BaseChannel{ChannelName: "telegram", AllowFrom: allowFrom},
		Token:       token,
		ChatID:      chatID,
		pub:         pub,
		client:      &http.Client{Timeout: 60 * time.Second},
		apiBase:     "https://api.telegram.org",
	}
}

func (t *Telegram) Name() string    { return "telegram" }
func (t *Telegram) IsRunning() bool { return t.Running }

// Start begins long polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	if t.Token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	t.Running = true
	ctx, t.cancelFn = context.WithCancel(ctx)

	info, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	if result, ok := info["result"].(map[string]any); ok {
		if username, ok := result["username"].(string); ok {
			t.botUser = username
			log.Printf("[Telegram] bot @%s connected", username)
		}
	}

	offset := 0
	for {
		select {
		case <-ctx.Done():
			t.Running = false
			return nil
		default:
		}

		updates, err := t.apiCall(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         30,
			"allowed_updates": []string{"message"},
		})
		if err != nil {
			log.Printf("[Telegram] getUpdates error: %v", err)
			select {
			case <-ctx.Done():
				t.Running = false
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		results, _ := updates["result"].([]any)
		for _, u := range results {
			update, ok := u.(map[string]any)
			if !ok {
				continue
			}
			if uid, ok := update["update_id"].(float64); ok {
				offset = int(uid) + 1
			}
			t.processUpdate(ctx, update)
		}
	}
}

// Stop stops the poller.
func (t *Telegram) Stop() error {
	t.Running = false
	if t.cancelFn != nil {
		t.cancelFn()
	}
	return nil
}

// Send posts text to the destination chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if t.ChatID == "" {
		return fmt.Errorf("telegram destination chat not configured")
	}
	_, err := t.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	})
	return err
}

// processUpdate turns one chat line into a fresh depth-0 envelope.
func (t *Telegram) processUpdate(ctx context.Context, update map[string]any) {
	msg, ok := update["message"].(map[string]any)
	if !ok {
		return
	}
	from, _ := msg["from"].(map[string]any)
	text, _ := msg["text"].(string)
	if from == nil || text == "" {
		return
	}

	sender := senderName(from)
	if sender == "" || !t.IsAllowed(sender) {
		return
	}

	env := envelope.NewMessage(sender, text)
	data, err := envelope.Encode(env)
	if err != nil {
		log.Printf("[Telegram] encode inbound: %v", err)
		return
	}
	if err := t.pub.Publish(ctx, data); err != nil {
		log.Printf("[Telegram] publish inbound: %v", err)
	}
}

// senderName picks a stable identity for a Telegram user: username
// when set, otherwise first name, lowercased.
func senderName(from map[string]any) string {
	if username, ok := from["username"].(string); ok && username != "" {
		return strings.ToLower(username)
	}
	if first, ok := from["first_name"].(string); ok && first != "" {
		return strings.ToLower(first)
	}
	return ""
}

func (t *Telegram) apiCall(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.Token, method)
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if ok, _ := result["ok"].(bool); !ok {
		desc, _ := result["description"].(string)
		return result, fmt.Errorf("telegram %s: %s", method, desc)
	}
	return result, nil
}
