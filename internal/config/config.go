package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken        string           `yaml:"discord_token"`
	LogLevel            string           `yaml:"log_level"`
	RulePreset          string           `yaml:"rule_preset"`
	Mode                string           `yaml:"mode"`
	DefaultAlertChannel string           `yaml:"default_alert_channel"`
	DefaultModRole      string           `yaml:"default_mod_role"`
	Storage             StorageConfig    `yaml:"storage"`
	Health              HealthConfig     `yaml:"health"`
	Spam                SpamConfig       `yaml:"spam"`
	NewMember           NewMemberConfig  `yaml:"new_member"`
	Reputation          ReputationConfig `yaml:"reputation"`
	Raid                RaidConfig       `yaml:"raid"`
	Nuke                NukeConfig       `yaml:"nuke"`
	Lockdown            LockdownConfig   `yaml:"lockdown"`
	Escalation          EscalationConfig `yaml:"escalation"`
	Sweeper             SweeperConfig    `yaml:"sweeper"`
	Exemptions          ExemptionConfig  `yaml:"exemptions"`
	Invites             InviteConfig     `yaml:"invites"`
	Phishing            PhishingConfig   `yaml:"phishing"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ChannelMultiplier struct {
	Keywords   []string `yaml:"keywords"`
	Multiplier float64  `yaml:"multiplier"`
}

type SpamConfig struct {
	FloodLimit                  int                 `yaml:"flood_limit"`
	FloodWindowSeconds          int                 `yaml:"flood_window_seconds"`
	FloodFloor                  int                 `yaml:"flood_floor"`
	DuplicateLimit              int                 `yaml:"duplicate_limit"`
	DuplicateWindowSeconds      int                 `yaml:"duplicate_window_seconds"`
	DuplicateSimilarity         float64             `yaml:"duplicate_similarity"`
	DuplicateMinLength          int                 `yaml:"duplicate_min_length"`
	DuplicateFloor              int                 `yaml:"duplicate_floor"`
	MentionLimit                int                 `yaml:"mention_limit"`
	MentionFloor                int                 `yaml:"mention_floor"`
	EmojiLimit                  int                 `yaml:"emoji_limit"`
	NewlineLimit                int                 `yaml:"newline_limit"`
	LinkLimit                   int                 `yaml:"link_limit"`
	LinkWindowSeconds           int                 `yaml:"link_window_seconds"`
	SafeLinkDomains             []string            `yaml:"safe_link_domains"`
	InviteLimit                 int                 `yaml:"invite_limit"`
	InviteWindowSeconds         int                 `yaml:"invite_window_seconds"`
	AttachmentLimit             int                 `yaml:"attachment_limit"`
	AttachmentWindowSeconds     int                 `yaml:"attachment_window_seconds"`
	StickerLimit                int                 `yaml:"sticker_limit"`
	StickerWindowSeconds        int                 `yaml:"sticker_window_seconds"`
	ImageDuplicateLimit         int                 `yaml:"image_duplicate_limit"`
	ImageDuplicateWindowSeconds int                 `yaml:"image_duplicate_window_seconds"`
	ImageHashDistance           int                 `yaml:"image_hash_distance"`
	ZalgoLimit                  int                 `yaml:"zalgo_limit"`
	WebhookLimit                int                 `yaml:"webhook_limit"`
	WebhookWindowSeconds        int                 `yaml:"webhook_window_seconds"`
	MaxWebhookStates            int                 `yaml:"max_webhook_states"`
	MaxTrackedUsers             int                 `yaml:"max_tracked_users"`
	MaxImageHashes              int                 `yaml:"max_image_hashes"`
	SlowmodeMessages            int                 `yaml:"slowmode_messages"`
	SlowmodeWindowSeconds       int                 `yaml:"slowmode_window_seconds"`
	SlowmodeDelaySeconds        int                 `yaml:"slowmode_delay_seconds"`
	SlowmodeCooldownSeconds     int                 `yaml:"slowmode_cooldown_seconds"`
	ExemptPhrases               []string            `yaml:"exempt_phrases"`
	ChannelMultipliers          []ChannelMultiplier `yaml:"channel_multipliers"`
	ChannelOverrides            map[string]float64  `yaml:"channel_overrides"`
}

type NewMemberConfig struct {
	AccountAgeDays int `yaml:"account_age_days"`
	ServerAgeDays  int `yaml:"server_age_days"`
	FloodLimit     int `yaml:"flood_limit"`
	DuplicateLimit int `yaml:"duplicate_limit"`
	MentionLimit   int `yaml:"mention_limit"`
}

type ReputationConfig struct {
	RegularThreshold   float64 `yaml:"regular_threshold"`
	TrustedThreshold   float64 `yaml:"trusted_threshold"`
	VeteranThreshold   float64 `yaml:"veteran_threshold"`
	NewMultiplier      float64 `yaml:"new_multiplier"`
	RegularMultiplier  float64 `yaml:"regular_multiplier"`
	TrustedMultiplier  float64 `yaml:"trusted_multiplier"`
	VeteranMultiplier  float64 `yaml:"veteran_multiplier"`
	GainPerMessage     float64 `yaml:"gain_per_message"`
	LossWarning        float64 `yaml:"loss_warning"`
	LossMute           float64 `yaml:"loss_mute"`
	TenurePerDay       float64 `yaml:"tenure_per_day"`
	TenureCap          float64 `yaml:"tenure_cap"`
	CacheSeconds       int     `yaml:"cache_seconds"`
	CacheSize          int     `yaml:"cache_size"`
	LookupTimeoutMilli int     `yaml:"lookup_timeout_ms"`
}

type RaidConfig struct {
	JoinLimit             int     `yaml:"join_limit"`
	WindowSeconds         int     `yaml:"window_seconds"`
	AccountAgeHours       int     `yaml:"account_age_hours"`
	DefaultAvatarWeight   int     `yaml:"default_avatar_weight"`
	SimilarNameThreshold  float64 `yaml:"similar_name_threshold"`
	SimilarNamePairs      int     `yaml:"similar_name_pairs"`
	CreationWindowSeconds int     `yaml:"creation_window_seconds"`
	AvatarCollision       int     `yaml:"avatar_collision"`
	MaxJoinsTracked       int     `yaml:"max_joins_tracked"`
	CooldownSeconds       int     `yaml:"cooldown_seconds"`
	AutoLockdown          bool    `yaml:"auto_lockdown"`
	AutoUnlockSeconds     int     `yaml:"auto_unlock_seconds"`
}

type NukeConfig struct {
	WindowSeconds                int      `yaml:"window_seconds"`
	Bans                         int      `yaml:"bans"`
	Kicks                        int      `yaml:"kicks"`
	ChannelDeletes               int      `yaml:"channel_deletes"`
	RoleDeletes                  int      `yaml:"role_deletes"`
	BotAdds                      int      `yaml:"bot_adds"`
	DangerousGrants              int      `yaml:"dangerous_grants"`
	SuspiciousUnbanSeconds       int      `yaml:"suspicious_unban_seconds"`
	BanHistorySeconds            int      `yaml:"ban_history_seconds"`
	PermissionBurst              int      `yaml:"permission_burst"`
	PermissionBurstWindowSeconds int      `yaml:"permission_burst_window_seconds"`
	DangerousPermissions         []string `yaml:"dangerous_permissions"`
	IgnoredUserIDs               []string `yaml:"ignored_user_ids"`
}

type LockdownConfig struct {
	MaxConcurrentOps int     `yaml:"max_concurrent_ops"`
	EditsPerSecond   float64 `yaml:"edits_per_second"`
	EditBurst        int     `yaml:"edit_burst"`
	Retries          int     `yaml:"retries"`
}

type EscalationConfig struct {
	MuteLadderSeconds  []int `yaml:"mute_ladder_seconds"`
	StickerMuteSeconds int   `yaml:"sticker_mute_seconds"`
}

type SweeperConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	ViolationDecaySeconds int `yaml:"violation_decay_seconds"`
	IncidentRetentionDays int `yaml:"incident_retention_days"`
}

type ExemptionConfig struct {
	ChannelIDs        []string `yaml:"channel_ids"`
	CategoryIDs       []string `yaml:"category_ids"`
	RoleIDs           []string `yaml:"role_ids"`
	UserIDs           []string `yaml:"user_ids"`
	MentionChannelIDs []string `yaml:"mention_channel_ids"`
	InviteCodes       []string `yaml:"invite_codes"`
	WebhookIDs        []string `yaml:"webhook_ids"`
}

type InviteConfig struct {
	TimeoutMilli          int `yaml:"timeout_ms"`
	CacheSize             int `yaml:"cache_size"`
	CacheSeconds          int `yaml:"cache_seconds"`
	BreakerFailures       int `yaml:"breaker_failures"`
	BreakerTimeoutSeconds int `yaml:"breaker_timeout_seconds"`
}

type PhishingConfig struct {
	Domains      []string            `yaml:"domains"`
	AllowDomains []string            `yaml:"allow_domains"`
	ScamPhrases  map[string][]string `yaml:"scam_phrases"`
	BaitWords    []string            `yaml:"bait_words"`
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func DefaultConfig() Config {
	return Config{
		LogLevel:   "info",
		RulePreset: "medium",
		Mode:       "normal",
		Storage:    StorageConfig{Driver: "sqlite", DSN: "/data/sentinel.db"},
		Health:     HealthConfig{Enabled: false, Addr: ":8080"},
		Spam: SpamConfig{
			FloodLimit:                  6,
			FloodWindowSeconds:          5,
			FloodFloor:                  3,
			DuplicateLimit:              3,
			DuplicateWindowSeconds:      30,
			DuplicateSimilarity:         0.85,
			DuplicateMinLength:          150,
			DuplicateFloor:              2,
			MentionLimit:                5,
			MentionFloor:                2,
			EmojiLimit:                  20,
			NewlineLimit:                20,
			LinkLimit:                   3,
			LinkWindowSeconds:           30,
			SafeLinkDomains:             defaultSafeLinkDomains(),
			InviteLimit:                 1,
			InviteWindowSeconds:         60,
			AttachmentLimit:             5,
			AttachmentWindowSeconds:     30,
			StickerLimit:                3,
			StickerWindowSeconds:        30,
			ImageDuplicateLimit:         3,
			ImageDuplicateWindowSeconds: 60,
			ImageHashDistance:           6,
			ZalgoLimit:                  10,
			WebhookLimit:                5,
			WebhookWindowSeconds:        10,
			MaxWebhookStates:            1000,
			MaxTrackedUsers:             5000,
			MaxImageHashes:              50,
			SlowmodeMessages:            25,
			SlowmodeWindowSeconds:       10,
			SlowmodeDelaySeconds:        5,
			SlowmodeCooldownSeconds:     300,
			ExemptPhrases:               defaultExemptPhrases(),
			ChannelMultipliers:          defaultChannelMultipliers(),
			ChannelOverrides:            map[string]float64{},
		},
		NewMember: NewMemberConfig{
			AccountAgeDays: 30,
			ServerAgeDays:  7,
			FloodLimit:     5,
			DuplicateLimit: 2,
			MentionLimit:   3,
		},
		Reputation: ReputationConfig{
			RegularThreshold:   50,
			TrustedThreshold:   100,
			VeteranThreshold:   200,
			NewMultiplier:      1.0,
			RegularMultiplier:  1.25,
			TrustedMultiplier:  1.5,
			VeteranMultiplier:  2.0,
			GainPerMessage:     0.1,
			LossWarning:        10,
			LossMute:           25,
			TenurePerDay:       0.5,
			TenureCap:          50,
			CacheSeconds:       3600,
			CacheSize:          50000,
			LookupTimeoutMilli: 500,
		},
		Raid: RaidConfig{
			JoinLimit:             5,
			WindowSeconds:         30,
			AccountAgeHours:       24,
			DefaultAvatarWeight:   3,
			SimilarNameThreshold:  0.7,
			SimilarNamePairs:      3,
			CreationWindowSeconds: 3600,
			AvatarCollision:       3,
			MaxJoinsTracked:       500,
			CooldownSeconds:       600,
			AutoLockdown:          false,
			AutoUnlockSeconds:     300,
		},
		Nuke: NukeConfig{
			WindowSeconds:                60,
			Bans:                         5,
			Kicks:                        5,
			ChannelDeletes:               3,
			RoleDeletes:                  3,
			BotAdds:                      2,
			DangerousGrants:              3,
			SuspiciousUnbanSeconds:       3600,
			BanHistorySeconds:            86400,
			PermissionBurst:              5,
			PermissionBurstWindowSeconds: 300,
			DangerousPermissions: []string{
				"administrator", "ban_members", "kick_members", "manage_guild",
				"manage_channels", "manage_roles", "manage_webhooks", "mention_everyone",
			},
		},
		Lockdown: LockdownConfig{
			MaxConcurrentOps: 10,
			EditsPerSecond:   20,
			EditBurst:        10,
			Retries:          3,
		},
		Escalation: EscalationConfig{
			MuteLadderSeconds:  []int{0, 300, 1800, 3600, 86400},
			StickerMuteSeconds: 600,
		},
		Sweeper: SweeperConfig{IntervalSeconds: 60, ViolationDecaySeconds: 300, IncidentRetentionDays: 90},
		Invites: InviteConfig{
			TimeoutMilli:          3000,
			CacheSize:             2048,
			CacheSeconds:          900,
			BreakerFailures:       5,
			BreakerTimeoutSeconds: 30,
		},
		Phishing: PhishingConfig{
			Domains:     defaultPhishingDomains(),
			ScamPhrases: defaultScamPhrases(),
			BaitWords:   []string{"send", "gift", "free", "claim", "win", "airdrop"},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	cfg.Mode = normalizeMode(cfg.Mode)
	cfg.RulePreset = normalizePreset(cfg.RulePreset)
	cfg.Storage.Driver = normalizeDriver(cfg.Storage.Driver)
	applyPreset(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RulePreset = envString("RULE_PRESET", cfg.RulePreset)
	cfg.Mode = envString("MODE", cfg.Mode)
	cfg.DefaultAlertChannel = envString("DEFAULT_ALERT_CHANNEL", cfg.DefaultAlertChannel)
	cfg.DefaultModRole = envString("DEFAULT_MOD_ROLE", cfg.DefaultModRole)
	cfg.Storage.Driver = envString("DATABASE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = envString("DATABASE_DSN", envString("DATABASE_PATH", cfg.Storage.DSN))
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Spam.FloodLimit = envInt("FLOOD_LIMIT", cfg.Spam.FloodLimit)
	cfg.Spam.FloodWindowSeconds = envInt("FLOOD_WINDOW_SECONDS", cfg.Spam.FloodWindowSeconds)
	cfg.Spam.MaxTrackedUsers = envInt("MAX_TRACKED_USERS_PER_GUILD", cfg.Spam.MaxTrackedUsers)
	cfg.Raid.JoinLimit = envInt("RAID_JOIN_LIMIT", cfg.Raid.JoinLimit)
	cfg.Raid.WindowSeconds = envInt("RAID_WINDOW_SECONDS", cfg.Raid.WindowSeconds)
	cfg.Raid.AutoLockdown = envBool("RAID_AUTO_LOCKDOWN", cfg.Raid.AutoLockdown)
	cfg.Lockdown.MaxConcurrentOps = envInt("MAX_CONCURRENT_OPS", cfg.Lockdown.MaxConcurrentOps)
	cfg.Exemptions.ChannelIDs = envList("EXEMPT_CHANNEL_IDS", cfg.Exemptions.ChannelIDs)
	cfg.Exemptions.RoleIDs = envList("EXEMPT_ROLE_IDS", cfg.Exemptions.RoleIDs)
	cfg.Exemptions.InviteCodes = envList("WHITELISTED_INVITES", cfg.Exemptions.InviteCodes)
	cfg.Exemptions.WebhookIDs = envList("WHITELISTED_WEBHOOKS", cfg.Exemptions.WebhookIDs)
	cfg.Nuke.IgnoredUserIDs = envList("NUKE_IGNORED_USER_IDS", cfg.Nuke.IgnoredUserIDs)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizeMode(value string) string {
	switch strings.ToLower(value) {
	case "audit":
		return "audit"
	default:
		return "normal"
	}
}

func normalizePreset(value string) string {
	switch strings.ToLower(value) {
	case "low", "medium", "high":
		return strings.ToLower(value)
	default:
		return "medium"
	}
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return "sqlite"
	}
}

func applyPreset(cfg *Config) {
	switch cfg.RulePreset {
	case "low":
		cfg.Spam.FloodLimit += 2
		cfg.Spam.MentionLimit += 2
		cfg.Raid.JoinLimit += 3
	case "high":
		cfg.Spam.FloodLimit = max(cfg.Spam.FloodFloor, cfg.Spam.FloodLimit-2)
		cfg.Spam.MentionLimit = max(cfg.Spam.MentionFloor, cfg.Spam.MentionLimit-2)
		cfg.Raid.JoinLimit = max(3, cfg.Raid.JoinLimit-2)
	}
}
