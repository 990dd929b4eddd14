package retrieval

// answerPrompt asks for a single grounded answer over one retrieved
// context block. Placeholders: user name, question, context block.
const answerPrompt = `Based on the following stored memories about %s, answer this question: "%s"

Relevant memories:
%s

Instructions:
- Focus specifically on what the memories actually say
- Be concise but meaningful
- If the memories don't clearly address the question, say so briefly
- Use plain text only, no markdown formatting

Respond in this exact JSON format:
{"answer": "your answer here"}`

// indexAnswerPrompt asks for an answer grounded in one memory
// category. Placeholders: category name, user name, question,
// context block.
const indexAnswerPrompt = `Based on the following %s recorded for %s, answer this question: "%s"

Relevant entries:
%s

Instructions:
- Focus specifically on what these entries actually say
- Be concise but meaningful
- If the entries don't clearly address the question, say so briefly
- Use plain text only, no markdown formatting

Respond in this exact JSON format:
{"answer": "your answer here"}`

// unifiedSynthesisPrompt merges per-index answers into one response.
// Placeholders: user name, question, numbered insights, source list.
const unifiedSynthesisPrompt = `You are reviewing multiple memory sources about %s. Provide one unified response to this question: "%s"

Available insights from different memory sources:

%s

Instructions:
- Synthesize these insights into ONE cohesive response
- Focus on the most relevant patterns and themes
- Use plain text only, no markdown formatting
- If insights conflict, acknowledge the complexity

Sources analyzed: %s

Respond in this exact JSON format:
{"answer": "your unified response here"}`
