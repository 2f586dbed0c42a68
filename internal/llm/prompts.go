package llm

import (
	"fmt"
	"strings"
)

// replySystemTemplate frames the reply model. The single format verb
// receives the assistant identifier from config so the model can adopt
// the right persona.
const replySystemTemplate = `You are %s, drafting an email reply on behalf of the mailbox owner.

Rules:
- Write only the reply body, no subject line and no headers.
- Match the tone of the writing samples when provided.
- Keep it concise. Plain markdown is fine; it is converted for email.
- If the message does not warrant a reply (receipts, newsletters,
  automated notices), respond with exactly NO_REPLY and nothing else.`

// classifierSystemPrompt frames the spam/automation judge. The answer
// contract is a single leading YES or NO token so the verdict survives
// chatty models.
const classifierSystemPrompt = `You judge whether an email was produced by a machine.

Answer YES if the message is spam, marketing, a newsletter, or an
automated notification. Answer NO if it reads like a person writing to
another person. Start your answer with YES or NO.`

func replySystemPrompt(assistant string) string {
	if assistant == "" {
		assistant = "a helpful email assistant"
	}
	return fmt.Sprintf(replySystemTemplate, assistant)
}

// replyUserPrompt assembles the drafting context: the inbound message
// plus up to five sanitized samples of the owner's sent mail.
func replyUserPrompt(req ReplyRequest) string {
	var sb strings.Builder

	if len(req.History) > 0 {
		sb.WriteString("Writing samples from the mailbox owner's sent mail:\n")
		for i, h := range req.History {
			fmt.Fprintf(&sb, "\n--- Sample %d ---\n%s\n", i+1, h)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Reply to this message:\n\n")
	fmt.Fprintf(&sb, "From: %s\n", req.From)
	fmt.Fprintf(&sb, "Subject: %s\n\n", req.Subject)
	sb.WriteString(req.Body)

	return sb.String()
}
