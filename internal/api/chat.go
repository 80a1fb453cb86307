package api

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

type chatPayload struct {
	Content      string         `json:"content"`
	AnalysisData map[string]any `json:"analysis_data,omitempty"`
}

// ChatAnalysis sends a message to the conversation bound to analysis id
func (c *Client) ChatAnalysis(ctx context.Context, id, content string, analysisData map[string]any) (string, error) {
	r, err := jsonRequest("chat_analysis", http.MethodPost, "/chat/analysis/"+url.PathEscape(id), true, chatPayload{
		Content:      content,
		AnalysisData: analysisData,
	})
	if err != nil {
		return "", err
	}
	return c.reply(ctx, r)
}

// ChatGeneral sends a message to the general-purpose assistant
func (c *Client) ChatGeneral(ctx context.Context, content string) (string, error) {
	r, err := jsonRequest("chat_general", http.MethodPost, "/chat/general", true, chatPayload{Content: content})
	if err != nil {
		return "", err
	}
	return c.reply(ctx, r)
}

func (c *Client) reply(ctx context.Context, r request) (string, error) {
	body, err := c.do(ctx, r)
	if err != nil {
		return "", err
	}
	text := firstString(gjson.ParseBytes(body), "response", "message", "reply")
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.KindServer, r.op, "assistant returned an empty reply")
	}
	return text, nil
}

// ChatHistory returns the stored transcript of the analysis conversation,
// flattened across threads and ordered by timestamp.
func (c *Client) ChatHistory(ctx context.Context, id string) ([]models.ChatMessage, error) {
	body, err := c.do(ctx, request{
		op:     "chat_history",
		method: http.MethodGet,
		path:   "/chat/analysis/" + url.PathEscape(id) + "/history",
		authed: true,
	})
	if err != nil {
		return nil, err
	}
	return NormalizeHistory(body), nil
}

// NormalizeHistory converts the backend transcript shapes into ChatMessages.
// Accepted shapes: an array of threads with "messages", a single thread
// object, or a bare array of messages. Messages may use "content" or "text"
// and "sender" or "role".
func NormalizeHistory(body []byte) []models.ChatMessage {
	root := gjson.ParseBytes(body)
	var raw []gjson.Result
	collect := func(v gjson.Result) {
		if msgs := v.Get("messages"); msgs.IsArray() {
			raw = append(raw, msgs.Array()...)
			return
		}
		raw = append(raw, v)
	}
	switch {
	case root.IsArray():
		root.ForEach(func(_, v gjson.Result) bool {
			collect(v)
			return true
		})
	case root.Get("threads").IsArray():
		root.Get("threads").ForEach(func(_, v gjson.Result) bool {
			collect(v)
			return true
		})
	case root.IsObject():
		collect(root)
	}

	out := make([]models.ChatMessage, 0, len(raw))
	for i, m := range raw {
		content := firstString(m, "content", "text", "message")
		if strings.TrimSpace(content) == "" {
			continue
		}
		msg := models.ChatMessage{
			ID:      firstString(m, "id", "_id"),
			Sender:  senderOf(firstString(m, "sender", "role")),
			Content: content,
			Image:   firstString(m, "image", "image_url"),
		}
		if msg.ID == "" {
			msg.ID = "h" + strconv.Itoa(i)
		}
		if ts, ok := parseTime(firstString(m, "timestamp", "created_at")); ok {
			msg.Timestamp = ts
		} else if len(out) > 0 {
			msg.Timestamp = out[len(out)-1].Timestamp
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func senderOf(role string) models.Sender {
	switch strings.ToLower(role) {
	case "user", "human":
		return models.SenderUser
	default:
		return models.SenderAI
	}
}
