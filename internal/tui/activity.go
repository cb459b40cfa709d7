package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-tman/internal/bus"
)

// ActivityItem is one line of the event feed.
type ActivityItem struct {
	Topic   string
	Task    string
	Tick    uint64
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent scheduling events for display.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// AddEvent converts a bus event into a feed item. Events the feed does not
// show are ignored and reported as false.
func (f *ActivityFeed) AddEvent(ev bus.Event, at time.Time) bool {
	item := ActivityItem{Topic: ev.Topic, At: at}
	switch p := ev.Payload.(type) {
	case bus.DeadlineEvent:
		item.Task, item.Tick = p.Task, p.Tick
		if ev.Topic == bus.TopicDeadlineOverrun {
			item.Message = fmt.Sprintf("%s still running past its deadline", p.Task)
		} else {
			item.Message = fmt.Sprintf("%s missed a deadline (%d total)", p.Task, p.Misses)
		}
	case bus.ConfigReloadedEvent:
		if p.Applied {
			item.Message = "config reloaded " + p.Fingerprint
		} else {
			item.Message = "config changed on disk: " + p.Reason
		}
	default:
		return false
	}
	f.Add(item)
	return true
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d events (a to expand) ──", len(f.items))) + "\n"
	}

	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	info := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Events (a to collapse) ──") + "\n")
	for _, it := range f.items {
		style := info
		if strings.HasPrefix(it.Topic, "deadline.") {
			style = warn
		}
		line := it.Message
		if it.Task != "" {
			line = fmt.Sprintf("[tick %d] %s", it.Tick, it.Message)
		}
		out.WriteString(style.Render(line) + "\n")
	}
	return out.String()
}
