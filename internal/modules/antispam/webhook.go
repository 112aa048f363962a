package antispam

import (
	"fmt"
	"time"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

type channelState struct {
	messages      *utils.BoundedWindow[time.Time]
	lastTriggered time.Time
}

type SlowmodeSignal struct {
	ChannelID string
	Delay     time.Duration
	Duration  time.Duration
	Rate      int
}

func stampTime(t time.Time) time.Time { return t }

// CheckWebhook counts webhook-authored messages per webhook id. Only volume is evaluated.
func (d *Detector) CheckWebhook(evt domain.MessageEvent) (domain.Violation, bool) {
	if _, ok := d.exemptWebhooks[evt.WebhookID]; ok {
		return domain.Violation{}, false
	}
	now := d.clock.Now()
	window := config.Seconds(d.cfg.WebhookWindowSeconds)

	d.webhookMu.Lock()
	defer d.webhookMu.Unlock()

	hits, ok := d.webhooks.Get(evt.WebhookID)
	if !ok {
		hits = utils.NewBoundedWindow(window, d.cfg.WebhookLimit*4, stampTime)
		d.webhooks.Add(evt.WebhookID, hits)
	}
	hits.Prune(now)
	hits.Append(now)
	if count := hits.Len(); count > d.cfg.WebhookLimit {
		return domain.Violation{
			Kind:     domain.KindWebhookSpam,
			Evidence: fmt.Sprintf("%d webhook messages in %ds", count, d.cfg.WebhookWindowSeconds),
		}, true
	}
	return domain.Violation{}, false
}

// ObserveChannel records channel traffic and signals when a temporary slowmode should be applied.
func (d *Detector) ObserveChannel(evt domain.MessageEvent) (SlowmodeSignal, bool) {
	if d.cfg.SlowmodeMessages <= 0 {
		return SlowmodeSignal{}, false
	}
	now := d.clock.Now()

	d.channelMu.Lock()
	defer d.channelMu.Unlock()

	state := d.channels[evt.ChannelID]
	if state == nil {
		state = &channelState{
			messages: utils.NewBoundedWindow(config.Seconds(d.cfg.SlowmodeWindowSeconds), d.cfg.SlowmodeMessages*2, stampTime),
		}
		d.channels[evt.ChannelID] = state
	}
	state.messages.Prune(now)
	state.messages.Append(now)

	count := state.messages.Len()
	cooldown := config.Seconds(d.cfg.SlowmodeCooldownSeconds)
	if count < d.cfg.SlowmodeMessages {
		return SlowmodeSignal{}, false
	}
	if !state.lastTriggered.IsZero() && now.Sub(state.lastTriggered) < cooldown {
		return SlowmodeSignal{}, false
	}
	state.lastTriggered = now
	return SlowmodeSignal{
		ChannelID: evt.ChannelID,
		Delay:     config.Seconds(d.cfg.SlowmodeDelaySeconds),
		Duration:  cooldown,
		Rate:      count,
	}, true
}

func (d *Detector) pruneWebhooks(now time.Time) int {
	d.webhookMu.Lock()
	defer d.webhookMu.Unlock()

	removed := 0
	for _, id := range d.webhooks.Keys() {
		hits, ok := d.webhooks.Peek(id)
		if !ok {
			continue
		}
		hits.Prune(now)
		if hits.Len() == 0 {
			d.webhooks.Remove(id)
			removed++
		}
	}
	return removed
}

func (d *Detector) pruneChannels(now time.Time) int {
	d.channelMu.Lock()
	defer d.channelMu.Unlock()

	cooldown := config.Seconds(d.cfg.SlowmodeCooldownSeconds)
	removed := 0
	for id, state := range d.channels {
		state.messages.Prune(now)
		if state.messages.Len() == 0 && now.Sub(state.lastTriggered) >= cooldown {
			delete(d.channels, id)
			removed++
		}
	}
	return removed
}
