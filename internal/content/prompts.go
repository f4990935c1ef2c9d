package content

import (
	"fmt"
	"strings"
)

var languageNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"uk": "Ukrainian",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"pt": "Portuguese",
	"it": "Italian",
	"pl": "Polish",
}

func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "English"
	}
	return code
}

func topicLine(req Request) string {
	var b strings.Builder
	if req.PageMeta.Title != "" {
		fmt.Fprintf(&b, "The linked page is titled %q.", req.PageMeta.Title)
	}
	if req.PageMeta.Description != "" {
		fmt.Fprintf(&b, " It is described as: %s.", req.PageMeta.Description)
	}
	if req.Wish != "" {
		fmt.Fprintf(&b, " Author's wish: %s.", req.Wish)
	}
	return strings.TrimSpace(b.String())
}

func titlePrompt(req Request) string {
	return fmt.Sprintf(
		"Write one catchy article title in %s about the topic of %s. %s "+
			"Return only the title text without quotes.",
		languageName(req.Language), req.TargetURL, topicLine(req))
}

func bodyPrompt(req Request, title string) string {
	return fmt.Sprintf(
		"Write an informative article in %s titled %q. %s\n"+
			"Format the answer as HTML using only <h2>, <p>, <ul>, <li> and <a> tags.\n"+
			"Include exactly three links: two links to %s with different anchor texts, "+
			"one of which is exactly %q, and one link to a well-known authoritative external source.\n"+
			"Do not add any other links. Return only the HTML.",
		languageName(req.Language), title, topicLine(req), req.TargetURL, req.Anchor)
}

func strictBodyPrompt(req Request, title string, prev Attempt) string {
	return fmt.Sprintf(
		"%s\n\nSTRICT REQUIREMENT: the previous answer contained %d link(s) to %s and %d external link(s). "+
			"The article MUST contain exactly 3 <a href> links in total: exactly 2 with href=%q "+
			"(one with anchor text %q, the other with a different anchor text) and exactly 1 to an external "+
			"authoritative website. Any other number of links is invalid.",
		bodyPrompt(req, title), prev.Stats.Own, req.TargetURL, prev.Stats.External, req.TargetURL, req.Anchor)
}

func pollPrompt(req Request) string {
	return fmt.Sprintf(
		"Create a poll in %s related to %s. %s\n"+
			"Respond with JSON only: {\"question\": string, \"options\": [string, ...], \"description\": string}. "+
			"Use between 3 and 5 options. The description must mention %s.",
		languageName(req.Language), req.TargetURL, topicLine(req), req.TargetURL)
}

func commentPrompt(req Request) string {
	return fmt.Sprintf(
		"Write a short friendly forum comment in %s recommending %s. %s\n"+
			"Respond with JSON only: {\"subject\": string, \"message\": string}. "+
			"The message must include the URL %s once.",
		languageName(req.Language), req.TargetURL, topicLine(req), req.TargetURL)
}
