// Package transcript turns streamed transcript fragments into finished
// conversation items.
//
// Voice sessions deliver text in small fragments for both speakers while a
// turn is in progress. The [Assembler] concatenates fragments per speaker and
// emits one [Item] per speaker when the turn completes. The [History] keeps
// the most recent items for display.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/s2s"
	"github.com/google/uuid"
)

// Item is one finished utterance.
type Item struct {
	// ID is unique per item.
	ID string `json:"id"`

	// Role is the speaker.
	Role s2s.Role `json:"role"`

	// Text is the trimmed utterance. Never empty.
	Text string `json:"text"`

	// At is when the turn completed.
	At time.Time `json:"at"`
}

// Assembler accumulates transcript fragments for the caller and the agent.
// Fragments are concatenated verbatim without separators.
//
// Assembler is safe for concurrent use.
type Assembler struct {
	mu     sync.Mutex
	caller strings.Builder
	agent  strings.Builder
	now    func() time.Time
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Append adds a fragment to the buffer of role. Unknown roles are treated as
// the agent.
func (a *Assembler) Append(role s2s.Role, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if role == s2s.RoleCaller {
		a.caller.WriteString(text)
		return
	}
	a.agent.WriteString(text)
}

// Flush trims both buffers and returns one item per non-empty buffer, caller
// first. Both buffers are cleared whether or not anything was emitted.
func (a *Assembler) Flush() []Item {
	a.mu.Lock()
	caller := strings.TrimSpace(a.caller.String())
	agent := strings.TrimSpace(a.agent.String())
	a.caller.Reset()
	a.agent.Reset()
	at := a.now()
	a.mu.Unlock()

	var items []Item
	if caller != "" {
		items = append(items, Item{ID: uuid.NewString(), Role: s2s.RoleCaller, Text: caller, At: at})
	}
	if agent != "" {
		items = append(items, Item{ID: uuid.NewString(), Role: s2s.RoleAgent, Text: agent, At: at})
	}
	return items
}

// Pending returns the untrimmed contents of both buffers.
func (a *Assembler) Pending() (caller, agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caller.String(), a.agent.String()
}

// Reset discards both buffers.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caller.Reset()
	a.agent.Reset()
}
