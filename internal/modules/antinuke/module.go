package antinuke

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

type FindingKind string

const (
	FindingNuke            FindingKind = "nuke"
	FindingDangerousGrant  FindingKind = "dangerous_grant"
	FindingSuspiciousUnban FindingKind = "suspicious_unban"
	FindingPermissionBurst FindingKind = "permission_burst"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Finding is either a threshold breach (Quarantine set) or an advisory.
type Finding struct {
	Kind        FindingKind
	GuildID     string
	ModeratorID string
	TargetID    string
	Action      domain.ActionType
	Count       int
	Limit       int
	Quarantine  bool
	// BotIDs lists the bots added by the moderator inside the window when a bot-add limit is breached.
	BotIDs []string
	Detail string
}

func (f Finding) Description() string {
	switch f.Kind {
	case FindingNuke:
		return fmt.Sprintf("<@%s> performed %d %s actions within the window (limit %d)", f.ModeratorID, f.Count, strings.ReplaceAll(string(f.Action), "_", " "), f.Limit)
	case FindingDangerousGrant:
		return fmt.Sprintf("<@%s> granted dangerous permissions: %s", f.ModeratorID, f.Detail)
	case FindingSuspiciousUnban:
		return fmt.Sprintf("<@%s> unbanned <@%s> %s after banning them", f.ModeratorID, f.TargetID, f.Detail)
	case FindingPermissionBurst:
		return fmt.Sprintf("<@%s> edited %d permission overwrites in a short burst", f.ModeratorID, f.Count)
	default:
		return string(f.Kind)
	}
}

type stamped struct {
	userID string
	at     time.Time
}

type Detector struct {
	mu        sync.Mutex
	cfg       config.NukeConfig
	logger    *zap.Logger
	clock     Clock
	window    time.Duration
	limits    map[domain.ActionType]int
	dangerous int64
	ignored   map[string]struct{}
	windows   map[string]*utils.SlidingWindow
	bots      map[string][]stamped
	bans      map[string]stamped
}

func New(cfg config.NukeConfig, logger *zap.Logger) *Detector {
	logger = logger.Named("antinuke")
	dangerous, unknown := utils.PermissionMask(cfg.DangerousPermissions)
	if len(unknown) > 0 {
		logger.Warn("unknown dangerous permissions ignored", zap.Strings("names", unknown))
	}
	window := config.Seconds(cfg.WindowSeconds)
	if window <= 0 {
		window = time.Minute
	}
	d := &Detector{
		cfg:       cfg,
		logger:    logger,
		clock:     realClock{},
		window:    window,
		dangerous: dangerous,
		ignored:   make(map[string]struct{}),
		windows:   make(map[string]*utils.SlidingWindow),
		bots:      make(map[string][]stamped),
		bans:      make(map[string]stamped),
		limits: map[domain.ActionType]int{
			domain.ActionBan:           cfg.Bans,
			domain.ActionKick:          cfg.Kicks,
			domain.ActionChannelDelete: cfg.ChannelDeletes,
			domain.ActionRoleDelete:    cfg.RoleDeletes,
			domain.ActionBotAdd:        cfg.BotAdds,
		},
	}
	for _, id := range cfg.IgnoredUserIDs {
		d.ignored[id] = struct{}{}
	}
	return d
}

func (d *Detector) WithClock(clock Clock) {
	d.clock = clock
}

// Ignore exempts a user, typically the bot itself, from tracking.
func (d *Detector) Ignore(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignored[userID] = struct{}{}
}

func (d *Detector) exempt(moderatorID string, owner bool) bool {
	if moderatorID == "" || owner {
		return true
	}
	_, ok := d.ignored[moderatorID]
	return ok
}

// Track counts one moderator action and reports a breach or advisory.
func (d *Detector) Track(action domain.ModAction) (Finding, bool) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if action.Type == domain.ActionBan && action.TargetID != "" {
		d.bans[action.GuildID+":"+action.TargetID] = stamped{userID: action.ModeratorID, at: now}
	}
	if d.exempt(action.ModeratorID, action.ModeratorIsOwner) {
		return Finding{}, false
	}

	switch action.Type {
	case domain.ActionUnban:
		return d.checkUnban(action, now)
	case domain.ActionOverwriteUpdate:
		return d.checkOverwriteBurst(action, now)
	}

	limit, tracked := d.limits[action.Type]
	if !tracked || limit <= 0 {
		return Finding{}, false
	}
	key := action.GuildID + ":" + action.ModeratorID
	if action.Type == domain.ActionBotAdd && action.TargetID != "" {
		d.bots[key] = append(d.recentBots(key, now), stamped{userID: action.TargetID, at: now})
	}

	window := d.windowFor(key+":"+string(action.Type), d.window)
	count := window.Add(now)
	if count < limit {
		return Finding{}, false
	}
	window.Reset()

	finding := Finding{
		Kind:        FindingNuke,
		GuildID:     action.GuildID,
		ModeratorID: action.ModeratorID,
		TargetID:    action.TargetID,
		Action:      action.Type,
		Count:       count,
		Limit:       limit,
		Quarantine:  true,
	}
	if action.Type == domain.ActionBotAdd {
		for _, bot := range d.recentBots(key, now) {
			finding.BotIDs = append(finding.BotIDs, bot.userID)
		}
		delete(d.bots, key)
	}
	d.logger.Warn("destructive action threshold breached",
		zap.String("guild_id", action.GuildID),
		zap.String("moderator_id", action.ModeratorID),
		zap.String("action", string(action.Type)),
		zap.Int("count", count))
	return finding, true
}

func (d *Detector) checkUnban(action domain.ModAction, now time.Time) (Finding, bool) {
	key := action.GuildID + ":" + action.TargetID
	ban, ok := d.bans[key]
	if !ok {
		return Finding{}, false
	}
	delete(d.bans, key)
	elapsed := now.Sub(ban.at)
	if ban.userID != action.ModeratorID || elapsed > config.Seconds(d.cfg.SuspiciousUnbanSeconds) {
		return Finding{}, false
	}
	return Finding{
		Kind:        FindingSuspiciousUnban,
		GuildID:     action.GuildID,
		ModeratorID: action.ModeratorID,
		TargetID:    action.TargetID,
		Action:      action.Type,
		Detail:      elapsed.Round(time.Second).String(),
	}, true
}

func (d *Detector) checkOverwriteBurst(action domain.ModAction, now time.Time) (Finding, bool) {
	if d.cfg.PermissionBurst <= 0 {
		return Finding{}, false
	}
	window := d.windowFor(action.GuildID+":"+action.ModeratorID+":"+string(action.Type), config.Seconds(d.cfg.PermissionBurstWindowSeconds))
	count := window.Add(now)
	if count < d.cfg.PermissionBurst {
		return Finding{}, false
	}
	window.Reset()
	return Finding{
		Kind:        FindingPermissionBurst,
		GuildID:     action.GuildID,
		ModeratorID: action.ModeratorID,
		Action:      action.Type,
		Count:       count,
		Limit:       d.cfg.PermissionBurst,
	}, true
}

// TrackRoleUpdate flags dangerous permissions being added to a role. Granting administrator breaches at once.
func (d *Detector) TrackRoleUpdate(update domain.RoleUpdate) (Finding, bool) {
	granted := update.NewPermissions &^ update.OldPermissions & d.dangerous
	if granted == 0 {
		return Finding{}, false
	}
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exempt(update.ModeratorID, update.ModeratorIsOwner) {
		return Finding{}, false
	}

	finding := Finding{
		Kind:        FindingDangerousGrant,
		GuildID:     update.GuildID,
		ModeratorID: update.ModeratorID,
		TargetID:    update.RoleID,
		Quarantine:  true,
		Detail:      strings.Join(utils.PermissionNames(granted), ", "),
	}
	if granted&discordgo.PermissionAdministrator != 0 {
		finding.Count, finding.Limit = 1, 1
		return finding, true
	}
	if d.cfg.DangerousGrants <= 0 {
		return Finding{}, false
	}
	window := d.windowFor(update.GuildID+":"+update.ModeratorID+":grant", d.window)
	count := window.Add(now)
	if count < d.cfg.DangerousGrants {
		return Finding{}, false
	}
	window.Reset()
	finding.Count, finding.Limit = count, d.cfg.DangerousGrants
	return finding, true
}

func (d *Detector) windowFor(key string, span time.Duration) *utils.SlidingWindow {
	window := d.windows[key]
	if window == nil {
		window = utils.NewSlidingWindow(span)
		d.windows[key] = window
	}
	return window
}

func (d *Detector) recentBots(key string, now time.Time) []stamped {
	kept := d.bots[key][:0]
	for _, bot := range d.bots[key] {
		if now.Sub(bot.at) <= d.window {
			kept = append(kept, bot)
		}
	}
	return kept
}

// Prune forgets empty windows and ban history older than the configured retention.
func (d *Detector) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, window := range d.windows {
		if window.Count(now) == 0 {
			delete(d.windows, key)
			removed++
		}
	}
	for key := range d.bots {
		if bots := d.recentBots(key, now); len(bots) == 0 {
			delete(d.bots, key)
		} else {
			d.bots[key] = bots
		}
	}
	history := config.Seconds(d.cfg.BanHistorySeconds)
	for key, ban := range d.bans {
		if now.Sub(ban.at) > history {
			delete(d.bans, key)
			removed++
		}
	}
	return removed
}

func (d *Detector) TrackedWindows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}
