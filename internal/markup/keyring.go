// internal/markup/keyring.go
package markup

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"
)

// ContentModel is the part of the Gemini models service the generator uses.
// *genai.Models satisfies it.
type ContentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type keySlot struct {
	name      string
	model     ContentModel
	coolUntil time.Time
}

// KeyRing rotates requests across one client per API key. Each request
// starts at the next key in turn; a failing key is skipped until its
// cool-down passes.
type KeyRing struct {
	mu       sync.Mutex
	slots    []*keySlot
	next     int
	cooldown time.Duration
	now      func() time.Time
}

// NewKeyRing builds a Gemini client per key. An empty key list yields an
// empty ring, which the generator treats as missing credentials.
func NewKeyRing(ctx context.Context, keys []string, httpClient *http.Client, cooldown time.Duration) (*KeyRing, error) {
	models := make([]ContentModel, 0, len(keys))
	for i, key := range keys {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     key,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("create genai client for key %d: %w", i+1, err)
		}
		models = append(models, client.Models)
	}
	return NewKeyRingFromModels(models, cooldown), nil
}

func NewKeyRingFromModels(models []ContentModel, cooldown time.Duration) *KeyRing {
	r := &KeyRing{cooldown: cooldown, now: time.Now}
	for i, m := range models {
		r.slots = append(r.slots, &keySlot{name: fmt.Sprintf("key-%d", i+1), model: m})
	}
	return r
}

func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.slots)
}

// order returns the slots to try for one request. Cooling keys go last
// rather than being dropped, so a ring of only failing keys still tries.
func (r *KeyRing) order() []*keySlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.slots)
	if n == 0 {
		return nil
	}
	start := r.next
	r.next = (r.next + 1) % n

	now := r.now()
	ready := make([]*keySlot, 0, n)
	var cooling []*keySlot
	for i := 0; i < n; i++ {
		slot := r.slots[(start+i)%n]
		if now.Before(slot.coolUntil) {
			cooling = append(cooling, slot)
			continue
		}
		ready = append(ready, slot)
	}
	return append(ready, cooling...)
}

func (r *KeyRing) markFailed(slot *keySlot) {
	r.mu.Lock()
	slot.coolUntil = r.now().Add(r.cooldown)
	r.mu.Unlock()
}

func (r *KeyRing) markHealthy(slot *keySlot) {
	r.mu.Lock()
	slot.coolUntil = time.Time{}
	r.mu.Unlock()
}
