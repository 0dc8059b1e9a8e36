// Package openai implements the capability interfaces against any
// OpenAI-compatible chat completion endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wispbot/wisp/internal/capability"
)

type Config struct {
	BaseURL string
	APIKey  string
	// Model handles reply generation.
	Model string
	// JudgeModel handles yes/no and classification calls. Falls back to Model.
	JudgeModel string
	// MemoryModel handles extraction and compression. Falls back to Model.
	MemoryModel string
	Timeout     time.Duration
}

type Client struct {
	api         *openai.Client
	model       string
	judgeModel  string
	memoryModel string
	timeout     time.Duration
}

func New(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = cfg.Model
	}
	memoryModel := cfg.MemoryModel
	if memoryModel == "" {
		memoryModel = cfg.Model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		api:         openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		judgeModel:  judgeModel,
		memoryModel: memoryModel,
		timeout:     timeout,
	}
}

func (c *Client) complete(ctx context.Context, op, model, system, user string, maxTokens int, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		kind := capability.KindUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = capability.KindTimeout
		}
		return "", &capability.Error{Kind: kind, Op: op, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &capability.Error{Kind: capability.KindInvalidResponse, Op: op, Err: errors.New("empty choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func renderTurns(turns []capability.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		name := turn.Role
		if turn.SenderName != "" {
			name = turn.SenderName
		}
		fmt.Fprintf(&b, "%s: %s\n", name, turn.Content)
	}
	return b.String()
}

func (c *Client) ShouldReply(ctx context.Context, jc capability.Context) (bool, error) {
	system := "You decide whether a chat agent should respond to the latest message. " +
		"Answer with exactly YES or NO."
	var b strings.Builder
	fmt.Fprintf(&b, "Agent name: %s\n", jc.AgentName)
	if jc.Mentioned {
		b.WriteString("The agent was mentioned directly.\n")
	}
	if len(jc.Keywords) > 0 {
		fmt.Fprintf(&b, "Watch keywords: %s\n", strings.Join(jc.Keywords, ", "))
	}
	b.WriteString("Recent conversation:\n")
	b.WriteString(renderTurns(jc.History))
	fmt.Fprintf(&b, "Latest message: %s\n", jc.Message)
	b.WriteString("Should the agent reply?")

	answer, err := c.complete(ctx, "should_reply", c.judgeModel, system, b.String(), 5, 0)
	if err != nil {
		return false, err
	}
	return parseYesNo("should_reply", answer)
}

func (c *Client) ShouldContinue(ctx context.Context, jc capability.Context) (bool, error) {
	system := "You decide whether a chat agent that already replied should send " +
		"an unprompted follow-up to keep the conversation going. Answer with exactly YES or NO."
	var b strings.Builder
	fmt.Fprintf(&b, "Agent name: %s\n", jc.AgentName)
	b.WriteString("Recent conversation:\n")
	b.WriteString(renderTurns(jc.History))
	b.WriteString("Should the agent follow up now?")

	answer, err := c.complete(ctx, "should_continue", c.judgeModel, system, b.String(), 5, 0)
	if err != nil {
		return false, err
	}
	return parseYesNo("should_continue", answer)
}

func (c *Client) IdentifyIntent(ctx context.Context, jc capability.Context) (string, error) {
	system := "Classify the user's message. Answer with exactly one of: " +
		"dialogue, memory_add, memory_delete."
	user := fmt.Sprintf("Message: %s", jc.Message)
	answer, err := c.complete(ctx, "identify_intent", c.judgeModel, system, user, 8, 0)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(answer)), nil
}

func (c *Client) IsWorthRemembering(ctx context.Context, turns []capability.Turn) (bool, error) {
	system := "You judge whether a chat excerpt contains anything a friend would " +
		"durably remember: personal details, preferences, habits, relationships, " +
		"status changes, plans. Greetings, acknowledgements and small talk do not " +
		"count. Answer with exactly YES or NO."
	answer, err := c.complete(ctx, "is_worth_remembering", c.judgeModel, system, renderTurns(turns), 5, 0)
	if err != nil {
		return false, err
	}
	return parseYesNo("is_worth_remembering", answer)
}

func (c *Client) ExtractFacts(ctx context.Context, turns []capability.Turn) ([]string, error) {
	system := "Extract durable facts about the participants from the conversation: " +
		"personal details, preferences, habits, relationships, status changes, goals. " +
		"Exclude greetings, acknowledgements, emoji-only lines and one-off chatter. " +
		"Output one fact per line. Output NONE if there is nothing worth keeping."
	answer, err := c.complete(ctx, "extract_facts", c.memoryModel, system, renderTurns(turns), 400, 0.2)
	if err != nil {
		return nil, err
	}
	return parseFactLines(answer), nil
}

func (c *Client) SummarizeMemories(ctx context.Context, facts []string) ([]string, error) {
	system := "Compress the list of remembered facts: merge near-duplicates, drop " +
		"stale trivia, keep everything important. Output one fact per line."
	answer, err := c.complete(ctx, "summarize_memories", c.memoryModel, system, strings.Join(facts, "\n"), 600, 0.3)
	if err != nil {
		return nil, err
	}
	compressed := parseFactLines(answer)
	if len(compressed) == 0 {
		return nil, &capability.Error{Kind: capability.KindInvalidResponse, Op: "summarize_memories", Err: errors.New("empty summary")}
	}
	return compressed, nil
}

func (c *Client) Reply(ctx context.Context, input capability.ReplyInput) (string, error) {
	var system strings.Builder
	if input.SystemPrompt != "" {
		system.WriteString(input.SystemPrompt)
		system.WriteString("\n\n")
	}
	if input.IsGroup {
		fmt.Fprintf(&system, "You are %s, an ordinary member of a group chat. Reply naturally and briefly.\n", input.AgentName)
	} else {
		fmt.Fprintf(&system, "You are %s, chatting privately. Reply naturally.\n", input.AgentName)
	}
	if input.SenderName != "" {
		fmt.Fprintf(&system, "You are talking with %s.\n", input.SenderName)
	}
	if len(input.MemoryNotes) > 0 {
		system.WriteString("Things you remember:\n")
		for _, note := range input.MemoryNotes {
			fmt.Fprintf(&system, "- %s\n", note)
		}
	}
	if len(input.ImageRefs) > 0 {
		fmt.Fprintf(&system, "The latest message included %d image(s); refer to them only if relevant.\n", len(input.ImageRefs))
	}
	system.WriteString("To split your answer into several messages, separate them with " +
		`<|wait time="N"|> where N is a pause in seconds (max 3 messages).`)

	answer, err := c.complete(ctx, "reply", c.model, system.String(), renderTurns(input.History), 800, 0.8)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", &capability.Error{Kind: capability.KindInvalidResponse, Op: "reply", Err: errors.New("empty reply")}
	}
	return answer, nil
}

func parseYesNo(op, answer string) (bool, error) {
	normalized := strings.ToUpper(strings.TrimSpace(answer))
	switch {
	case strings.HasPrefix(normalized, "YES"):
		return true, nil
	case strings.HasPrefix(normalized, "NO"):
		return false, nil
	default:
		return false, &capability.Error{
			Kind: capability.KindInvalidResponse,
			Op:   op,
			Err:  fmt.Errorf("expected YES or NO, got %q", answer),
		}
	}
}

func parseFactLines(answer string) []string {
	if strings.EqualFold(strings.TrimSpace(answer), "NONE") {
		return nil
	}
	var facts []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		facts = append(facts, line)
	}
	return facts
}
