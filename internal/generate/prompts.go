package generate

import "fmt"

// questionSystemPrompt sets the rules every batch must follow. The tool
// schema enforces the shape; the prompt enforces the content.
const questionSystemPrompt = `You write multiple-choice quiz questions for a trivia platform.

Rules:
- Every question must be self-contained and answerable from common knowledge.
- Exactly one choice is correct. Distractors must be plausible but clearly wrong.
- Do not repeat a fact across questions in the same batch.
- Keep prompts under 200 characters and each choice under 80 characters.
- Mix difficulties: roughly 40% easy, 40% medium, 20% hard.

Return the questions through the submit_questions tool.`

func questionUserPrompt(categoryName string, n int) string {
	return fmt.Sprintf(
		"Generate %d multiple-choice questions in the category %q. Each question needs 4 choices, the zero-based index of the correct choice, a one-sentence explanation, and a difficulty.",
		n, categoryName,
	)
}
