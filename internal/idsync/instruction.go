package idsync

import (
	"encoding/json"
	"strconv"
	"strings"

	"visitorid/pkg/platform/urlutil"
)

const (
	messagePrefix      = "---destpub---"
	debugMessagePrefix = "---destpub-debug---"
	replyPrefix        = "---destpub-to-parent---"
)

// Instruction is one ID sync requested by the backend.
type Instruction struct {
	ProviderID  string
	Tag         string
	URLs        []string
	TTL         string // minutes, as sent by the backend
	FireURLSync bool
	SyncOnPage  bool
}

// TTLMinutes is the numeric TTL, zero when absent or malformed.
func (in Instruction) TTLMinutes() float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(in.TTL), 64)
	if err != nil {
		return 0
	}
	return f
}

// Message renders the instruction in the frame protocol:
// ibs|id|tag|url,url|ttl||<declared ids>|fireURLSync.
func (in Instruction) Message() string {
	fire := "false"
	if in.FireURLSync {
		fire = "true"
	}
	return strings.Join([]string{
		"ibs",
		urlutil.EncodeComponent(in.ProviderID),
		urlutil.EncodeComponent(in.Tag),
		urlutil.EncodeJoin(in.URLs, ","),
		urlutil.EncodeComponent(in.TTL),
		"",
		"",
		fire,
	}, "|")
}

// Instructions extracts the ibs list of a backend response.
func Instructions(data map[string]any) []Instruction {
	list, ok := data["ibs"].([]any)
	if !ok {
		return nil
	}
	out := make([]Instruction, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		in := Instruction{
			ProviderID:  str(m["id"]),
			Tag:         str(m["tag"]),
			TTL:         str(m["ttl"]),
			FireURLSync: truthy(m["fireURLSync"]),
			SyncOnPage:  truthy(m["syncOnPage"]),
		}
		if urls, ok := m["url"].([]any); ok {
			for _, u := range urls {
				in.URLs = append(in.URLs, str(u))
			}
		}
		out = append(out, in)
	}
	return out
}

func hasInstructions(data map[string]any) bool {
	list, ok := data["ibs"].([]any)
	return ok && len(list) > 0
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}

// Reply is a message from the sync frame to the page.
type Reply struct {
	Kind   string
	Fields []string
}

// ParseReply decodes ---destpub-to-parent---kind|field|... messages.
func ParseReply(message string) (Reply, bool) {
	body, ok := strings.CutPrefix(message, replyPrefix)
	if !ok {
		return Reply{}, false
	}
	parts := strings.Split(body, "|")
	return Reply{Kind: parts[0], Fields: parts[1:]}, true
}
