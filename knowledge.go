package trawl

import (
	"fmt"
	"strings"
	"sync"
)

// KnowledgeBase is the ordered, append-only list of derived Q/A items for one
// request. Cross-request sharing is forbidden to keep attribution sound.
type KnowledgeBase struct {
	mu    sync.Mutex
	items []KnowledgeItem
}

// NewKnowledgeBase creates an empty knowledge base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{}
}

// Add appends an item.
func (k *KnowledgeBase) Add(item KnowledgeItem) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.items = append(k.items, item)
}

// Items returns a copy of all items in insertion order.
func (k *KnowledgeBase) Items() []KnowledgeItem {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]KnowledgeItem, len(k.items))
	copy(out, k.items)
	return out
}

// Len returns the number of items.
func (k *KnowledgeBase) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.items)
}

// AsMessages renders the knowledge as alternating user/assistant Q/A pairs
// for prompt context. Each question becomes a user turn and its answer an
// assistant turn, annotated with references and dates where present.
func (k *KnowledgeBase) AsMessages() []ChatMessage {
	items := k.Items()
	msgs := make([]ChatMessage, 0, len(items)*2)
	for _, item := range items {
		msgs = append(msgs, UserMessage(item.Question))
		var b strings.Builder
		b.WriteString(item.Answer)
		if item.Updated != "" {
			fmt.Fprintf(&b, "\n\n<answer-datetime>%s</answer-datetime>", item.Updated)
		}
		if len(item.References) > 0 && item.Type == KnowledgeURL {
			fmt.Fprintf(&b, "\n\n<url>%s</url>", item.References[0].URL)
		}
		msgs = append(msgs, AssistantMessage(b.String()))
	}
	return msgs
}
