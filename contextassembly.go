package dialogdriver

import "fmt"

// AssembleContext composes the ordered list of context messages for one
// generation: policy messages, memories, taskdoc (unless skipTaskdoc),
// course prefix, filtered history, taken subdialog responses, and a
// trailing internal prompt — then reminders and the language guide
// inserted immediately before the last user message.
func AssembleContext(
	dlg *Dialog,
	policy DrivePolicy,
	minds ResolvedMinds,
	coursePrefix []ChatMessage,
	takenResponses []SubdialogResponseRecord,
	internalPrompt *ChatMessage,
	languageGuide string,
	skipTaskdoc bool,
) []ChatMessage {
	var out []ChatMessage

	out = append(out, policy.PrependedMessages...)
	out = append(out, minds.Memories...)

	if dlg.TaskDocPath != "" && !skipTaskdoc {
		out = append(out, EnvironmentMessage(fmt.Sprintf("Task document: %s", dlg.TaskDocPath)))
	}

	out = append(out, coursePrefix...)

	for _, m := range dlg.Msgs {
		if m.Kind == MsgUIOnlyMarkdown {
			continue
		}
		out = append(out, m)
	}

	for _, r := range takenResponses {
		out = append(out, EnvironmentMessage(formatSubdialogResponse(r)))
	}

	if internalPrompt != nil {
		out = append(out, *internalPrompt)
	}

	out = insertBeforeLastUserMessage(out, renderReminders(dlg.Reminders)...)
	if languageGuide != "" {
		out = insertBeforeLastUserMessage(out, TransientGuideMessage(languageGuide))
	}

	return out
}

func formatSubdialogResponse(r SubdialogResponseRecord) string {
	return fmt.Sprintf("%s replied to your %q request: %s", r.ResponderID, r.TellaskHead, r.Response)
}

// renderReminders formats each reminder as a default environment message
// unless it declares an owner, in which case the owner tool is assumed to
// have pre-formatted Content itself.
func renderReminders(reminders []Reminder) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(reminders))
	for _, r := range reminders {
		if r.Owner != "" {
			msgs = append(msgs, EnvironmentMessage(r.Content))
			continue
		}
		msgs = append(msgs, EnvironmentMessage("Reminder: "+r.Content))
	}
	return msgs
}

// insertBeforeLastUserMessage splices extra messages immediately before
// the last message in ctx whose role is "user", per the component
// design's placement rule for reminders and the language guide. If no
// user-role message exists, extras are appended at the end.
func insertBeforeLastUserMessage(ctx []ChatMessage, extras ...ChatMessage) []ChatMessage {
	if len(extras) == 0 {
		return ctx
	}
	lastUser := -1
	for i, m := range ctx {
		if m.Kind.Role() == "user" {
			lastUser = i
		}
	}
	if lastUser < 0 {
		return append(ctx, extras...)
	}
	out := make([]ChatMessage, 0, len(ctx)+len(extras))
	out = append(out, ctx[:lastUser]...)
	out = append(out, extras...)
	out = append(out, ctx[lastUser:]...)
	return out
}
