package antiphishing

import (
	"regexp"
	"sort"
	"strings"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

var walletRegex = regexp.MustCompile(`(?:0x[a-fA-F0-9]{40}|\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b)`)

type phraseGroup struct {
	category string
	phrases  []string
}

type Module struct {
	groups    []phraseGroup
	domains   []string
	allowlist map[string]struct{}
	blocklist map[string]struct{}
	bait      []string
}

func New(cfg config.PhishingConfig) *Module {
	m := &Module{
		allowlist: make(map[string]struct{}),
		blocklist: make(map[string]struct{}),
	}
	categories := make([]string, 0, len(cfg.ScamPhrases))
	for category := range cfg.ScamPhrases {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		group := phraseGroup{category: category}
		for _, phrase := range cfg.ScamPhrases[category] {
			group.phrases = append(group.phrases, strings.ToLower(phrase))
		}
		m.groups = append(m.groups, group)
	}
	for _, d := range cfg.Domains {
		d = strings.ToLower(d)
		if strings.HasSuffix(d, ".") {
			m.domains = append(m.domains, d)
			continue
		}
		m.blocklist[d] = struct{}{}
	}
	for _, d := range cfg.AllowDomains {
		m.allowlist[strings.ToLower(d)] = struct{}{}
	}
	for _, word := range cfg.BaitWords {
		m.bait = append(m.bait, strings.ToLower(word))
	}
	return m
}

func (m *Module) Detect(content string) (domain.Violation, bool) {
	lower := strings.ToLower(content)

	for _, group := range m.groups {
		for _, phrase := range group.phrases {
			if strings.Contains(lower, phrase) {
				return domain.Violation{Kind: domain.KindScam, Evidence: group.category + " phrase: " + phrase}, true
			}
		}
	}

	for _, host := range utils.ExtractDomains(content) {
		if m.isPhishingHost(host) {
			return domain.Violation{Kind: domain.KindScam, Evidence: "phishing domain: " + host}, true
		}
	}

	if wallet := walletRegex.FindString(content); wallet != "" && m.hasBait(lower) {
		return domain.Violation{Kind: domain.KindScam, Evidence: "wallet bait: " + wallet}, true
	}
	return domain.Violation{}, false
}

func (m *Module) isPhishingHost(host string) bool {
	allowed, blocked := utils.DomainMatch(host, m.allowlist, m.blocklist)
	if allowed {
		return false
	}
	if blocked {
		return true
	}
	for blockedHost := range m.blocklist {
		if utils.SuffixMatch(host, []string{blockedHost}) {
			return true
		}
	}
	for _, fragment := range m.domains {
		if strings.HasPrefix(host, fragment) || strings.Contains(host, "."+fragment) {
			return true
		}
	}
	return false
}

func (m *Module) hasBait(lower string) bool {
	for _, word := range m.bait {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
