package generation

import "fmt"

// Prompt templates. Wording changes here shift model behavior across every
// deployment, so treat edits as behavior changes, not copy edits.

const summarizationTemplate = `
You are a medical assistant helping to summarize patient conversations.
Create a concise, professional summary of the following conversation that captures:
- Main reason for contact
- Key information provided by patient
- Actions taken or promised
- Any follow-up needed

Conversation:
%s

Provide a summary in 3-5 bullet points.
`

const smartReplyTemplate = `
You are an AI assistant helping a healthcare contact center agent respond to a patient.
Based on the conversation context below, suggest 3 appropriate next responses.

Conversation Context:
%s

Patient's Last Message: %s

Generate 3 response suggestions that are:
- Professional and empathetic
- Compliant with healthcare communication standards
- Actionable and helpful
- Brief (1-2 sentences each)

Format as JSON array of strings.
`

const intentClarificationTemplate = `
You are helping to clarify patient intent in a healthcare conversation.

Patient said: "%s"

Current detected intent: %s
Confidence: %v

Is this intent classification correct? If uncertain, what clarifying question should be asked?
Provide your response in JSON format:
{
    "is_correct": true/false,
    "confidence_assessment": "high/medium/low",
    "clarifying_question": "question text or null"
}
`

const knowledgeTemplate = `
Based on the following query from a healthcare contact center agent,
provide a brief, actionable knowledge snippet (2-3 sentences) that would help them respond.

Query: %s

Provide practical, compliant information.
`

func summarizationPrompt(transcript string) string {
	return fmt.Sprintf(summarizationTemplate, transcript)
}

func smartReplyPrompt(contextText, lastMessage string) string {
	return fmt.Sprintf(smartReplyTemplate, contextText, lastMessage)
}

func intentClarificationPrompt(message, intent string, confidence float64) string {
	return fmt.Sprintf(intentClarificationTemplate, message, intent, confidence)
}

func knowledgePrompt(query string) string {
	return fmt.Sprintf(knowledgeTemplate, query)
}
