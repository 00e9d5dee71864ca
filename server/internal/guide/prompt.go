package guide

import (
	"fmt"
	"strings"

	"helpnow/server/internal/llm"
)

const systemPrompt = `You are an emergency first-aid assistant. A bystander describes an emergency in one or two spoken sentences.

Reply with a short, ordered list of first-aid steps the bystander can follow right now:
- Every step is one short imperative sentence that can be read aloud.
- Mark steps that prevent harm or require calling emergency services as "warning".
- Mark physical actions as "action" and context or reassurance as "info".
- If the situation is life threatening, the last step must tell them to call emergency services.
- Never give a diagnosis or medication dosages.

Output must be strict JSON matching the provided schema.`

// scenarioSchema 是 LLM 结构化输出的 schema。
// OpenAI strict 模式要求 required 覆盖所有 properties，所以没有可选字段。
func scenarioSchema(maxSteps int) *llm.JSONSchema {
	return &llm.JSONSchema{
		Name: "emergency_scenario",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "short kebab-case identifier of the emergency, e.g. severe-bleeding",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "title shown above the steps",
				},
				"steps": map[string]any{
					"type":     "array",
					"minItems": 1,
					"maxItems": maxSteps,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"instruction": map[string]any{"type": "string"},
							"type": map[string]any{
								"type": "string",
								"enum": []string{"warning", "action", "info"},
							},
						},
						"required":             []string{"instruction", "type"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"id", "title", "steps"},
			"additionalProperties": false,
		},
		Strict: true,
	}
}

func buildMessages(query string, maxSteps int) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Emergency described by the user:\n")
	sb.WriteString(strings.TrimSpace(query))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Give at most %d steps.", maxSteps))
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
