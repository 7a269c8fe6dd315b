package models

const (
	NotFoundMessage      = "I could not find relevant information in these documents."
	LowConfidenceMessage = "I could not find enough information in these documents to answer this question confidently."
	NoLLMMessage         = "The language model is disabled, so no answer could be generated. Set LLM_PROVIDER to local or cloud."
	CannotAnswerPhrase   = "I could not find this in the documents"

	SystemPrompt = "You are a careful assistant that answers using provided context only."

	SnippetLength = 300
)

var (
	// SourceHeaderTemplate takes index, source path, page start, page end and score.
	SourceHeaderTemplate = "[SOURCE %d] file=%s pages=%d-%d score=%.3f"

	// GroundingPromptTemplate takes the question and the joined source blocks.
	GroundingPromptTemplate = `Answer the question using the source fragments below (SOURCE 1..N).
Rules:
- Rely only on the given sources.
- At the end of your answer, list under "Sources:" which SOURCE numbers you used.
- If the sources are insufficient, say explicitly "` + CannotAnswerPhrase + `".

Question:
%s

Sources:
%s`
)
