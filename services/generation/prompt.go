// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generation

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"

	"github.com/AleutianAI/kodiak/services/chats"
)

// ResponseMarker terminates every assembled prompt, cueing the model
// to produce the assistant turn.
const ResponseMarker = "### Response:\n"

// promptMessage is the template-facing view of a transcript entry.
type promptMessage struct {
	Role    string
	Content string
}

// chatPromptTemplate renders a transcript into the instruction-tuned
// layout the local models are trained on: system messages as bare
// preamble blocks, human turns under "### Instruction:", assistant
// turns under "### Response:". The trailing marker is appended by
// BuildPrompt so the template stays a pure history renderer.
var chatPromptTemplate = prompts.PromptTemplate{
	Template: `{{range .messages}}{{if eq .Role "system"}}{{.Content}}

{{else if eq .Role "human"}}### Instruction:
{{.Content}}
{{else if eq .Role "ai"}}### Response:
{{.Content}}
{{end}}{{end}}`,
	InputVariables: []string{"messages"},
	TemplateFormat: prompts.TemplateFormatGoTemplate,
}

// BuildPrompt renders the full transcript into one prompt string
// ending in the response marker.
func BuildPrompt(messages []chats.Message) (string, error) {
	view := make([]promptMessage, 0, len(messages))
	for _, msg := range messages {
		view = append(view, promptMessage{Role: string(msg.Role), Content: msg.Content})
	}
	rendered, err := chatPromptTemplate.Format(map[string]any{"messages": view})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return rendered + ResponseMarker, nil
}
