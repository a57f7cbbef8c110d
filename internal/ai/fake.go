package ai

import "context"

// FakeProvider echoes the last message back. It keeps the whole request path
// runnable without a model backend.
type FakeProvider struct {
	Model string
}

func NewFakeProvider(model string) *FakeProvider {
	if model == "" {
		model = "fake-1"
	}
	return &FakeProvider{Model: model}
}

func (p *FakeProvider) Complete(ctx context.Context, messages []Message) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	c := Completion{
		Text:     "(fake) I received: " + last,
		Provider: "fake",
		Model:    p.Model,
	}
	fillUsage(&c, messages)
	return c, nil
}
