package memory

// extractionPrompt asks the completion model to mine one conversation
// turn for storable memory items. The two placeholders are the user
// message and the assistant response.
const extractionPrompt = `You are a memory analyst for a supportive conversational companion. Your job is to analyze one conversation turn and identify what is worth storing in the user's long-term memory.

Review the exchange and look for:

1. MOMENTS: concrete events or experiences the user described
2. EMOTIONS: clear emotional states the user expressed (not assumptions)
3. REFLECTIONS: insights, realizations, or meaningful thoughts that reveal something about the user's inner world
4. VALUES: principles or priorities the user stated matter to them
5. PATTERNS: recurring behaviors or tendencies the user named about themselves
6. CONTRADICTIONS: value tensions or conflicting desires the user expressed
7. NOTES: other durable facts about the user worth remembering

Only propose storing content that is:
- Explicitly expressed by the user (not inferred)
- Specific and meaningful enough to inform future conversations
- Respectful of the user's privacy and autonomy

User Message: "%s"
Companion Response: "%s"

IMPORTANT: Be selective. Not every turn needs memory storage. Skip greetings, small talk, and generic acknowledgments.

Respond in this exact JSON format, with one entry per item:
{
  "should_store": true/false,
  "memories": [
    {
      "type": "moment|emotion|reflection|value|pattern|contradiction|note",
      "content": "the user's exact words or a close paraphrase",
      "intensity": 0.0-1.0 (emotions only),
      "confidence": 0.0-1.0 (reflections only),
      "depth_level": 1-3 (reflections only),
      "importance": 0.0-1.0 (values only)
    }
  ],
  "reasoning": "brief explanation of storage decisions"
}`
