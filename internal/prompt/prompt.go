// Package prompt builds the prompts sent to providers and parses their
// structured JSON replies.
package prompt

import (
	"fmt"
	"strings"

	"github.com/sells-group/buildforge/internal/model"
)

// GenerationSystem frames every code generation call.
const GenerationSystem = `You are a senior software engineer. Produce complete, runnable source code that implements the user's request. Output only code; put any explanation in code comments.`

const generationPrompt = `Build request:
%s`

const generationWithPlanPrompt = `Build request:
%s

Implementation plan:
%s

Follow the plan.`

const strictPrompt = `Build request:
%s

A previous attempt was rejected. Use only the following context, do not introduce facts not present.

Context:
%s

Problems found in the previous attempt:
%s

Return a corrected, complete implementation.`

// PlanningSystem frames the optional planning step.
const PlanningSystem = `You are a software architect. Break the request into a short numbered implementation plan (at most 8 steps). Name files, components and data flow. Do not write code.`

const planningPrompt = `Build request:
%s`

// Generation returns the first-attempt prompt. plan may be empty.
func Generation(instruction, plan string) string {
	if strings.TrimSpace(plan) == "" {
		return fmt.Sprintf(generationPrompt, instruction)
	}
	return fmt.Sprintf(generationWithPlanPrompt, instruction, plan)
}

// Strict returns the regeneration prompt used after a rejected attempt.
func Strict(instruction, context string, issues []string) string {
	if strings.TrimSpace(context) == "" {
		context = instruction
	}
	return fmt.Sprintf(strictPrompt, instruction, context, bulletList(issues))
}

// Planning returns the planning prompt.
func Planning(instruction string) string {
	return fmt.Sprintf(planningPrompt, instruction)
}

// Personas are the reviewer system prompts selectable from config.
var Personas = map[string]string{
	"correctness": `You are a meticulous code reviewer focused on correctness. Look for bugs, unhandled errors, broken control flow and code that would not compile or run.`,
	"spec":        `You are a code reviewer focused on requirements. Check that every part of the build request is implemented and nothing unrequested was added.`,
	"security":    `You are a security reviewer. Look for injection, unsafe input handling, leaked secrets and missing authorization checks.`,
	"simplicity":  `You are a reviewer who hunts unnecessary complexity. Flag dead code, over-abstraction and anything that could be done more simply.`,
}

// DefaultPersona is used for reviewers with an unknown or empty persona.
const DefaultPersona = "correctness"

const reviewFormat = `Respond with a valid JSON object: {"passed": <true|false>, "score": <0.0-1.0>, "issues": ["<issue>", ...]}`

const reviewPrompt = `Build request:
%s

Code under review:
%s`

// ReviewSystem returns the system prompt for a persona.
func ReviewSystem(persona string) string {
	p, ok := Personas[persona]
	if !ok {
		p = Personas[DefaultPersona]
	}
	return p + " " + reviewFormat
}

// Review returns the reviewer prompt.
func Review(code, spec string) string {
	return fmt.Sprintf(reviewPrompt, spec, code)
}

// AdjudicationSystem frames the final accept or reject call.
const AdjudicationSystem = `You are the final adjudicator for generated code. You see the build request, the code and every reviewer verdict. Decide whether the code is acceptable. You may overrule a reviewer; when you do, list that reviewer in "overrides" with the verdict you assign. Respond with a valid JSON object: {"approved": <true|false>, "reason": "<one or two sentences>", "overrides": [{"verifier_id": "<id>", "passed": <true|false>}]}`

const adjudicationPrompt = `Build request:
%s

Code:
%s

Reviewer verdicts:
%s`

// Adjudication returns the adjudicator prompt.
func Adjudication(code, spec string, results []model.VerificationResult, disagreement bool) string {
	var b strings.Builder
	for _, r := range results {
		verdict := "FAIL"
		if r.Passed {
			verdict = "PASS"
		}
		fmt.Fprintf(&b, "- %s: %s (score %.2f)\n", r.VerifierID, verdict, r.Score)
		for _, issue := range r.Issues {
			fmt.Fprintf(&b, "    * %s\n", issue)
		}
	}
	if disagreement {
		b.WriteString("\nThe reviewers disagree. Resolve the disagreement.\n")
	}
	return fmt.Sprintf(adjudicationPrompt, spec, code, strings.TrimRight(b.String(), "\n"))
}

// GroundingSystem frames the grounding check.
const GroundingSystem = `You verify whether a response is grounded in its prompt and context. Every identifier, API, fact and behavior in the response must be supported by or reasonably implied from the prompt and context. Respond with a valid JSON object: {"score": <0.0-1.0>, "unsupported": ["<claim>", ...]} where 1.0 means fully grounded.`

const groundingPrompt = `Prompt:
%s

Context:
%s

Response:
%s`

// Grounding returns the grounding-check prompt.
func Grounding(promptText, context, response string) string {
	if strings.TrimSpace(context) == "" {
		context = "(none)"
	}
	return fmt.Sprintf(groundingPrompt, promptText, context, response)
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "- (no specific issues recorded)"
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}
