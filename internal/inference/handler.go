package inference

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hatchq/hatchq/internal/dispatch"
	"github.com/hatchq/hatchq/internal/domain"
)

// JobType is the type discriminator handled by this package.
const JobType = "inference"

type jobInput struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type jobOutput struct {
	Completion string `json:"completion"`
	Model      string `json:"model,omitempty"`
}

// NewHandler returns the handler for inference jobs. A payload that does
// not decode is a permanent failure; provider errors stay retryable and
// flow through the normal backoff machinery.
func NewHandler(client Client) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		var in jobInput
		if err := json.Unmarshal(job.InputData, &in); err != nil {
			return nil, domain.Permanent(errors.Wrap(err, "decode inference input"))
		}
		if in.Prompt == "" {
			return nil, domain.Permanent(errors.New("inference input missing prompt"))
		}

		resp, err := client.Complete(ctx, Request{
			Model:     in.Model,
			Prompt:    in.Prompt,
			MaxTokens: in.MaxTokens,
		})
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(jobOutput{Completion: resp.Completion, Model: resp.Model})
		return out, errors.Wrap(err, "encode inference output")
	})
}
