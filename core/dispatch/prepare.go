package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// TestScript is one materialized script body ready for execution.
type TestScript struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Type    string          `json:"type"`
	Body    string          `json:"body"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Prepared is the output of script preparation: resolved test bodies plus the
// project variables and secrets substituted into them.
type Prepared struct {
	Tests     []TestScript
	Variables map[string]string
	Secrets   map[string]string
}

// ScriptPreparer resolves a job's ordered test list into executable scripts.
type ScriptPreparer interface {
	Prepare(ctx context.Context, job *Job) (*Prepared, error)
}

const (
	testScriptKeyPrefix     = "test:script:"
	projectVarsKeyPrefix    = "project:vars:"
	projectSecretsKeyPrefix = "project:secrets:"
)

// RedisScriptPreparer materializes scripts from the test-authoring store and
// substitutes project variables and secrets into the bodies.
type RedisScriptPreparer struct {
	client *redis.Client
}

func NewRedisScriptPreparer(client *redis.Client) *RedisScriptPreparer {
	return &RedisScriptPreparer{client: client}
}

func (p *RedisScriptPreparer) Prepare(ctx context.Context, job *Job) (*Prepared, error) {
	if job == nil {
		return nil, fmt.Errorf("job required")
	}

	vars, err := p.client.HGetAll(ctx, projectVarsKeyPrefix+job.ProjectID).Result()
	if err != nil {
		return nil, fmt.Errorf("load project variables: %w", err)
	}
	secrets, err := p.client.HGetAll(ctx, projectSecretsKeyPrefix+job.ProjectID).Result()
	if err != nil {
		return nil, fmt.Errorf("load project secrets: %w", err)
	}

	tests := make([]TestScript, 0, len(job.TestIDs))
	for _, id := range job.TestIDs {
		meta, err := p.client.HGetAll(ctx, testScriptKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("load test %s: %w", id, err)
		}
		if len(meta) == 0 {
			return nil, scriptErrorf("test %s does not exist", id)
		}
		test := TestScript{
			ID:   id,
			Name: meta["name"],
			Type: meta["type"],
			Body: expandPlaceholders(meta["body"], vars, secrets),
		}
		if raw := meta["options"]; raw != "" {
			test.Options = json.RawMessage(raw)
		}
		tests = append(tests, test)
	}

	return &Prepared{Tests: tests, Variables: vars, Secrets: secrets}, nil
}

// PutScript persists a test script for seeding and tests.
func (p *RedisScriptPreparer) PutScript(ctx context.Context, t *TestScript) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("test id required")
	}
	return p.client.HSet(ctx, testScriptKeyPrefix+t.ID, map[string]any{
		"name":    t.Name,
		"type":    t.Type,
		"body":    t.Body,
		"options": string(t.Options),
	}).Err()
}

// expandPlaceholders replaces {{NAME}} markers. Secrets win over variables so
// a project cannot shadow a secret with a plain variable.
func expandPlaceholders(body string, vars, secrets map[string]string) string {
	if body == "" || (len(vars) == 0 && len(secrets) == 0) {
		return body
	}
	pairs := make([]string, 0, (len(vars)+len(secrets))*2)
	for k, v := range vars {
		if _, shadowed := secrets[k]; shadowed {
			continue
		}
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	for k, v := range secrets {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
