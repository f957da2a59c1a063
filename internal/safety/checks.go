package safety

import (
	"strings"

	"civic-reports-go/internal/lexicon"
)

const (
	ProfanityDeduction = 40
	ToxicityDeduction  = 40
	OffTopicDeduction  = 25
	PoliticalDeduction = 20
	SpamDeduction      = 30
)

var (
	profanityTerms = []string{
		"fuck", "fucking", "fucked", "shit", "shitty", "bullshit", "bastard",
		"bitch", "asshole", "crap", "damn", "piss", "pissed",
	}

	toxicityTerms = []string{
		"kill you", "i will hurt", "should die", "deserve to die", "hate you",
		"subhuman", "vermin", "scum", "go back to your country", "those people",
		"idiots", "morons", "retards",
	}

	politicalTerms = []string{
		"election", "elections", "vote for", "voting for", "campaign",
		"candidate", "political party", "opposition party", "ruling party",
		"left wing", "right wing", "propaganda", "re elect", "reelect",
	}

	// civicTerms describes what a municipal complaint is about. A text with
	// none of them is treated as off-topic.
	civicTerms = []string{
		"street", "road", "lane", "avenue", "highway", "sidewalk", "footpath",
		"pothole", "crack", "asphalt", "pavement", "bridge", "junction",
		"intersection", "crossing", "crosswalk", "traffic", "signal", "speed",
		"parking", "bus stop", "garbage", "trash", "waste", "rubbish", "litter",
		"bin", "dumpster", "sewage", "sewer", "drain", "drainage", "toilet",
		"water", "pipe", "leak", "tap", "supply", "flooding", "flood",
		"light", "lights", "streetlight", "streetlights", "lamp", "lamp post",
		"electricity", "wire", "park", "playground", "tree", "graffiti", "noise",
		"stray", "neighborhood", "neighbourhood", "municipal", "city", "public",
		"school", "hospital", "market", "building", "construction",
	}
)

// DefaultChecks returns the five independent filters in evaluation order.
func DefaultChecks() []Check {
	return []Check{
		LexiconCheck("profanity", ProfanityDeduction,
			"Offensive language detected", lexicon.New(profanityTerms...)),
		LexiconCheck("toxicity", ToxicityDeduction,
			"Toxic or discriminatory content detected", lexicon.New(toxicityTerms...)),
		AbsenceCheck("off_topic", OffTopicDeduction,
			"No civic issue described", lexicon.New(civicTerms...)),
		LexiconCheck("political", PoliticalDeduction,
			"Political or partisan content detected", lexicon.New(politicalTerms...)),
		{
			Name:      "spam",
			Deduction: SpamDeduction,
			Detect:    detectSpam,
		},
	}
}

// detectSpam catches links, empty/unreadable text, and one word repeated
// over and over.
func detectSpam(text string) (bool, string) {
	const reason = "Spam or unreadable content detected"
	lower := strings.ToLower(text)
	if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") || strings.Contains(lower, "www.") {
		return true, reason
	}
	tokens := lexicon.Tokens(text)
	if len(tokens) == 0 {
		return true, reason
	}
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
		if counts[t] >= 5 && counts[t]*2 > len(tokens) {
			return true, reason
		}
	}
	return false, ""
}
