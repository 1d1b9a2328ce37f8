package clients

// LLM prompt constants for the quick facts and memo stages.

const (
	// QuickFactsSystemPrompt constrains the fast model to a single JSON object.
	QuickFactsSystemPrompt = `You extract facts from startup pitch decks.
Return ONLY a JSON object with exactly these keys:
company_name, one_liner, sector, stage, location, funding_ask, founders.
Use an empty string (or an empty array for founders) when the deck does not say.
Do not add commentary or markdown.`

	// QuickFactsPrompt wraps the extracted deck text.
	QuickFactsPrompt = `PITCH DECK TEXT:
%s`

	// MemoSystemPrompt sets the register of the investment memo.
	MemoSystemPrompt = `You are an investment analyst writing a first-pass memo on a startup
from its pitch deck. Write in markdown with these sections:
## Summary
## Problem & Solution
## Market
## Business Model & Traction
## Team
## Risks
## Questions for the Founders
Be concrete, cite figures from the deck, and flag claims that need verification.`

	// MemoPrompt carries the deck text and, when available, the quick facts.
	MemoPrompt = `%s
PITCH DECK TEXT:
%s`

	// MemoFactsPreamble introduces previously extracted facts.
	MemoFactsPreamble = `KNOWN FACTS (already extracted, treat as reliable):
%s
`
)
