package research

import (
	"encoding/json"
	"fmt"
	"strings"
)

const learningSystemPrompt = `You are an expert researcher. Extract concise, information-dense learnings from search results. Every learning must be supported by one of the given sources.`

// learningPrompt asks for up to n learnings and n follow-up questions about
// query, drawn from the compressed source excerpts in contents.
func learningPrompt(query, contents string, n int) string {
	return fmt.Sprintf(`Given the following research results for the query %q, extract up to %d key learnings and suggest up to %d follow-up questions that would deepen the research.

Make each learning unique and specific. Include entities such as people, places, companies, products, dates and exact figures when they are present. Attribute every learning to the Source URL it came from.

Research results:
%s

Return a JSON object of the form {"learnings": [{"insight": "...", "source_url": "..."}], "followUpQuestions": ["..."]} and nothing else.`,
		query, n, n, contents)
}

type extractedLearning struct {
	Text   string
	Source string
}

type extraction struct {
	Learnings []extractedLearning
	FollowUps []string
}

// parseExtraction reads the model's learning payload. Learnings may be given
// as objects or as plain strings. It reports false when no learning could be
// read.
func parseExtraction(text string) (extraction, bool) {
	text = strings.TrimSpace(text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var raw struct {
		Learnings  []json.RawMessage `json:"learnings"`
		FollowUps  []string          `json:"followUpQuestions"`
		FollowUps2 []string          `json:"follow_up_questions"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return extraction{}, false
	}

	var out extraction
	for _, item := range raw.Learnings {
		var l struct {
			Insight   string `json:"insight"`
			Learning  string `json:"learning"`
			SourceURL string `json:"source_url"`
			Source    string `json:"source"`
		}
		var s string
		switch {
		case json.Unmarshal(item, &s) == nil:
			l.Insight = s
		case json.Unmarshal(item, &l) != nil:
			continue
		}
		insight := strings.TrimSpace(firstNonEmpty(l.Insight, l.Learning))
		if insight == "" {
			continue
		}
		out.Learnings = append(out.Learnings, extractedLearning{
			Text:   insight,
			Source: strings.TrimSpace(firstNonEmpty(l.SourceURL, l.Source)),
		})
	}
	for _, q := range append(raw.FollowUps, raw.FollowUps2...) {
		if q = strings.TrimSpace(q); q != "" {
			out.FollowUps = append(out.FollowUps, q)
		}
	}
	return out, len(out.Learnings) > 0
}

// followUpQuery composes the query of the next level from the goal of a
// branch and its follow-up questions.
func followUpQuery(goal string, followUps []string) string {
	if len(followUps) == 0 {
		return goal
	}
	return fmt.Sprintf("Previous research goal: %s\nFollow-up questions: %s", goal, strings.Join(followUps, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
