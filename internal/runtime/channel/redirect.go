package channel

import (
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// RedirectRule rewrites the destination of payloads whose header matches.
// Match sees the header exactly as sent; the pattern rules built by
// NewRedirectRule compare case-insensitively, custom rules need not.
type RedirectRule struct {
	ID        string
	Match     func(messaging.ServiceMessageHeader) bool
	Rewrite   func(*messaging.ServiceMessage)
	Cacheable bool
}

// NewRedirectRule matches headers against pattern (empty fields are
// wildcards) and replaces the non-empty parts of target.
func NewRedirectRule(pattern, target messaging.ServiceMessageHeader, cacheable bool) *RedirectRule {
	return &RedirectRule{
		ID:        ids.CreateULID(),
		Match:     pattern.Matches,
		Cacheable: cacheable,
		Rewrite: func(m *messaging.ServiceMessage) {
			if target.ChannelID != "" {
				m.ChannelID = target.ChannelID
			}
			if target.MessageType != "" {
				m.MessageType = target.MessageType
			}
			if target.ActionType != "" {
				m.ActionType = target.ActionType
			}
		},
	}
}

func (r *RedirectRule) matches(h messaging.ServiceMessageHeader) bool {
	return r.Match != nil && r.Match(h)
}

func (r *RedirectRule) apply(m *messaging.ServiceMessage) {
	if r.Rewrite != nil {
		r.Rewrite(m)
	}
}

// RedirectAdd appends rule. It returns false if a rule with the same id
// already exists.
func (c *Channel) RedirectAdd(rule *RedirectRule) bool {
	if rule == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if r.ID == rule.ID {
			return false
		}
	}
	c.rules = append(c.rules, rule)
	c.clearCache()
	return true
}

// RedirectRemove deletes the rule with id.
func (c *Channel) RedirectRemove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rules {
		if r.ID == id {
			c.rules = append(c.rules[:i:i], c.rules[i+1:]...)
			c.clearCache()
			return true
		}
	}
	return false
}

// Redirects returns the rules in evaluation order.
func (c *Channel) Redirects() []*RedirectRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*RedirectRule(nil), c.rules...)
}

type cacheEntry struct {
	rule *RedirectRule
	gen  uint64
}

// clearCache invalidates every entry. Entries stored by a scan that raced the
// mutation carry the old generation and are ignored on load.
func (c *Channel) clearCache() {
	c.cacheGen.Add(1)
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}

// Redirect applies the first matching rule to the payload's message and
// reports whether one matched. Only matched cacheable rules are memoised,
// keyed by the raw header so a case-sensitive Match is never bypassed;
// unmatched headers re-scan the rules on every call.
func (c *Channel) Redirect(p *messaging.TransmissionPayload) bool {
	if p == nil || p.Message == nil {
		return false
	}
	header := p.Message.Header()

	var (
		rule   *RedirectRule
		cached bool
	)
	gen := c.cacheGen.Load()
	if v, ok := c.cache.Load(header); ok && v.(cacheEntry).gen == gen {
		rule, cached = v.(cacheEntry).rule, true
	} else {
		rule = c.scan(header)
		if rule == nil {
			return false
		}
		if rule.Cacheable {
			c.cache.Store(header, cacheEntry{rule: rule, gen: gen})
		}
	}

	rule.apply(p.Message)
	to := p.Message.Header().String()
	p.TraceWrite("redirect", header.String()+" -> "+to)
	c.collector.Write(collector.RedirectEvent{
		RuleID:    rule.ID,
		From:      header.String(),
		To:        to,
		PayloadID: p.ID,
		Cached:    cached,
		At:        time.Now(),
	})
	return true
}

func (c *Channel) scan(h messaging.ServiceMessageHeader) *RedirectRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.matches(h) {
			return r
		}
	}
	return nil
}
