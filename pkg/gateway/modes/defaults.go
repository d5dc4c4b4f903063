package modes

const voiceRules = `

This is a real-time voice conversation. Answer in speech, two or three sentences at a time.
Acknowledge what the candidate said before asking the next question.
If the candidate starts speaking while you are talking, stop and let them finish.`

const openingPrompt = "Start the interview with a brief greeting and ask your first question."

var builtins = []Mode{
	{
		Key:               "technical",
		Name:              "Technical interview",
		Description:       "General software engineering interview covering fundamentals and system design.",
		SystemInstruction: "You are a technical interviewer for a software engineering role." + voiceRules,
		OpeningPrompt:     openingPrompt,
	},
	{
		Key:               "behavioral",
		Name:              "Behavioral interview",
		Description:       "Past-experience questions scored on ownership, conflict, and delivery.",
		SystemInstruction: "You are a behavioral interviewer. Ask about concrete past situations and probe for specifics." + voiceRules,
		OpeningPrompt:     openingPrompt,
	},
	{
		Key:               "amazon_interviewer",
		Name:              "Amazon loop",
		Description:       "Technical questions framed around the Amazon leadership principles.",
		SystemInstruction: "You are an Amazon technical interviewer." + voiceRules,
		OpeningPrompt:     openingPrompt,
	},
	{
		Key:               "google_interviewer",
		Name:              "Google loop",
		Description:       "Coding and design questions in the style of a Google onsite.",
		SystemInstruction: "You are a Google technical interviewer." + voiceRules,
		OpeningPrompt:     openingPrompt,
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	cat, err := New(builtins)
	if err != nil {
		panic(err)
	}
	return cat
}
