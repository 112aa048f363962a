package antiraid

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

type Kind string

const (
	KindNewAccounts     Kind = "new_accounts"
	KindSimilarNames    Kind = "similar_names"
	KindSimilarCreation Kind = "similar_creation"
	KindSameAvatar      Kind = "same_avatar"
)

var descriptions = map[Kind]string{
	KindNewAccounts:     "Multiple new accounts joined rapidly",
	KindSimilarNames:    "Multiple accounts with similar usernames joined",
	KindSimilarCreation: "Multiple accounts created at similar times joined",
	KindSameAvatar:      "Multiple accounts with identical avatars joined",
}

func (k Kind) Description() string {
	if text, ok := descriptions[k]; ok {
		return text
	}
	return "Suspicious join pattern detected"
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type JoinRecord struct {
	UserID           string
	Username         string
	DisplayName      string
	AccountCreated   time.Time
	HasDefaultAvatar bool
	AvatarHash       string
	JoinTime         time.Time
}

type Detection struct {
	Kind     Kind
	Evidence string
	Joins    int
}

type guildJoins struct {
	mu    sync.Mutex
	joins *utils.BoundedWindow[JoinRecord]
}

type Detector struct {
	cfg    config.RaidConfig
	logger *zap.Logger
	clock  Clock

	mu     sync.Mutex
	guilds map[string]*guildJoins
}

func New(cfg config.RaidConfig, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.Named("antiraid"),
		clock:  realClock{},
		guilds: make(map[string]*guildJoins),
	}
}

func (d *Detector) WithClock(clock Clock) {
	d.clock = clock
}

// ObserveJoin records a join and evaluates the guild's recent joins.
func (d *Detector) ObserveJoin(evt domain.JoinEvent) (Detection, bool) {
	now := d.clock.Now()
	record := JoinRecord{
		UserID:           evt.UserID,
		Username:         evt.Username,
		DisplayName:      evt.DisplayName,
		AccountCreated:   evt.AccountCreated,
		HasDefaultAvatar: evt.HasDefaultAvatar(),
		AvatarHash:       evt.AvatarHash,
		JoinTime:         now,
	}
	if record.AccountCreated.IsZero() {
		record.AccountCreated = now
	}

	gj := d.lockGuild(evt.GuildID)
	gj.joins.Append(record)
	gj.joins.Prune(now)
	recent := gj.joins.Items()
	gj.mu.Unlock()

	detection, found := d.evaluate(recent, now)
	if found {
		d.logger.Warn("raid pattern detected",
			zap.String("guild_id", evt.GuildID),
			zap.String("kind", string(detection.Kind)),
			zap.String("evidence", detection.Evidence))
	}
	return detection, found
}

func (d *Detector) evaluate(recent []JoinRecord, now time.Time) (Detection, bool) {
	maxAge := time.Duration(d.cfg.AccountAgeHours) * time.Hour
	var fresh []JoinRecord
	weighted := 0
	for _, join := range recent {
		if now.Sub(join.AccountCreated) >= maxAge {
			continue
		}
		fresh = append(fresh, join)
		if join.HasDefaultAvatar {
			weighted += max(d.cfg.DefaultAvatarWeight, 1)
		} else {
			weighted++
		}
	}

	if weighted >= d.cfg.JoinLimit {
		return Detection{
			Kind:     KindNewAccounts,
			Evidence: fmt.Sprintf("weighted %d new-account joins in %ds (limit %d)", weighted, d.cfg.WindowSeconds, d.cfg.JoinLimit),
			Joins:    len(fresh),
		}, true
	}
	if pairs, ok := d.similarNames(recent); ok {
		return Detection{
			Kind:     KindSimilarNames,
			Evidence: fmt.Sprintf("%d similar username pairs", pairs),
			Joins:    len(recent),
		}, true
	}
	if span, ok := d.creationCluster(fresh); ok {
		return Detection{
			Kind:     KindSimilarCreation,
			Evidence: fmt.Sprintf("3 accounts created within %s", span),
			Joins:    len(fresh),
		}, true
	}
	if hash, count, ok := d.avatarCollision(recent); ok {
		return Detection{
			Kind:     KindSameAvatar,
			Evidence: fmt.Sprintf("%d joins share avatar %s", count, hash),
			Joins:    len(recent),
		}, true
	}
	return Detection{}, false
}

func (d *Detector) similarNames(recent []JoinRecord) (int, bool) {
	if len(recent) < 3 {
		return 0, false
	}
	names := make([]string, len(recent))
	for i, join := range recent {
		names[i] = strings.ToLower(join.Username)
	}
	pairs := 0
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			if utils.Similarity(names[i], names[j]) >= d.cfg.SimilarNameThreshold {
				pairs++
				if pairs >= d.cfg.SimilarNamePairs {
					return pairs, true
				}
			}
		}
	}
	return pairs, false
}

func (d *Detector) creationCluster(fresh []JoinRecord) (time.Duration, bool) {
	if len(fresh) < 3 {
		return 0, false
	}
	created := make([]time.Time, len(fresh))
	for i, join := range fresh {
		created[i] = join.AccountCreated
	}
	sort.Slice(created, func(i, j int) bool { return created[i].Before(created[j]) })
	window := config.Seconds(d.cfg.CreationWindowSeconds)
	for i := 0; i+2 < len(created); i++ {
		if span := created[i+2].Sub(created[i]); span <= window {
			return span, true
		}
	}
	return 0, false
}

func (d *Detector) avatarCollision(recent []JoinRecord) (string, int, bool) {
	if len(recent) < 3 {
		return "", 0, false
	}
	limit := max(d.cfg.AvatarCollision, 2)
	counts := make(map[string]int)
	for _, join := range recent {
		if join.AvatarHash == "" {
			continue
		}
		counts[join.AvatarHash]++
		if counts[join.AvatarHash] >= limit {
			return join.AvatarHash, counts[join.AvatarHash], true
		}
	}
	return "", 0, false
}

// lockGuild returns the guild's joins with its lock held. Taking it under d.mu keeps Prune from dropping the entry in between.
func (d *Detector) lockGuild(guildID string) *guildJoins {
	d.mu.Lock()
	defer d.mu.Unlock()
	gj := d.guilds[guildID]
	if gj == nil {
		gj = &guildJoins{
			joins: utils.NewBoundedWindow(config.Seconds(d.cfg.WindowSeconds), d.cfg.MaxJoinsTracked, func(j JoinRecord) time.Time { return j.JoinTime }),
		}
		d.guilds[guildID] = gj
	}
	gj.mu.Lock()
	return gj
}

func (d *Detector) RecentJoins(guildID string) int {
	d.mu.Lock()
	gj := d.guilds[guildID]
	d.mu.Unlock()
	if gj == nil {
		return 0
	}
	gj.mu.Lock()
	defer gj.mu.Unlock()
	return gj.joins.Len()
}

// Prune drops expired joins and forgets guilds with no recent joins.
func (d *Detector) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for guildID, gj := range d.guilds {
		gj.mu.Lock()
		removed += gj.joins.Prune(now)
		empty := gj.joins.Len() == 0
		gj.mu.Unlock()
		if empty {
			delete(d.guilds, guildID)
		}
	}
	return removed
}
