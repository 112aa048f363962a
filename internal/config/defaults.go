package config

func defaultSafeLinkDomains() []string {
	return []string{
		"tenor.com", "giphy.com", "gfycat.com", "imgur.com", "i.imgur.com",
		"discord.com", "discord.gg", "cdn.discordapp.com", "media.discordapp.net", "i.redd.it", "preview.redd.it",
		"youtube.com", "youtu.be", "twitch.tv", "clips.twitch.tv",
		"twitter.com", "x.com", "instagram.com", "tiktok.com",
	}
}

func defaultExemptPhrases() []string {
	return []string{
		"السلام عليكم",
		"وعليكم السلام",
		"صباح الخير",
		"مساء الخير",
		"الحمد لله",
		"ما شاء الله",
		"ان شاء الله",
		"جزاك الله خير",
	}
}

func defaultChannelMultipliers() []ChannelMultiplier {
	return []ChannelMultiplier{
		{Keywords: []string{"media", "image", "photo", "art", "gallery"}, Multiplier: 2.0},
		{Keywords: []string{"bot", "command", "cmd"}, Multiplier: 0.5},
		{Keywords: []string{"vent", "serious", "support"}, Multiplier: 1.5},
		{Keywords: []string{"meme", "shitpost", "funny"}, Multiplier: 1.5},
		{Keywords: []string{"counting", "count"}, Multiplier: 0.1},
	}
}

func defaultPhishingDomains() []string {
	return []string{
		"discord.gift", "discordgift.", "discrod.", "dlscord.", "disc0rd.", "discorcl.", "discard.",
		"steamcommunlty.", "steamncommnunity.", "steamcommunity.ru", "steamcommunity.co",
		"tradeoffer.", "csgo-trade.", "free-nitro.", "nitro-gift.", "discord-nitro.", "claim-nitro.",
	}
}

func defaultScamPhrases() map[string][]string {
	return map[string][]string{
		"nitro": {
			"free nitro", "discord nitro free", "nitro gift from", "claim your nitro",
			"get nitro free", "free discord nitro", "nitro giveaway http",
		},
		"crypto": {
			"free btc", "free eth", "free crypto", "send me eth", "send me btc",
			"double your crypto", "crypto giveaway", "airdrop claim",
		},
		"steam": {"free steam", "steam gift", "vote for my team", "vote for our team"},
		"generic": {
			"click this link to claim", "you have been selected", "you have won",
			"claim your prize", "congratulations you won",
		},
	}
}
