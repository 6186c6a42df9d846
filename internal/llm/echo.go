package llm

import (
	"context"

	"github.com/google/uuid"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Echo answers with the last user-role message of the request.
type Echo struct{}

func (Echo) Generate(_ context.Context, req *Request) (*Response, error) {
	content := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			content = req.Messages[i].Content
			break
		}
	}
	return &Response{ID: uuid.New().String(), Provider: "echo", Model: "echo", Content: content}, nil
}
