package dispatch

import (
	"fmt"

	"github.com/runbeam/runbeam/core/infra/schema"
)

// loadTestType is the script type the load engine accepts.
const loadTestType = "load"

// ScriptError marks a pre-submission script failure: the run is failed before
// any queue submission is attempted and the caller receives a client error.
type ScriptError struct {
	Detail string
}

func (e *ScriptError) Error() string {
	return "script validation failed: " + e.Detail
}

func scriptErrorf(format string, args ...any) error {
	return &ScriptError{Detail: fmt.Sprintf(format, args...)}
}

// loadOptionsSchema statically validates a load test's options block before
// the task ever reaches the queue.
var loadOptionsSchema = []byte(`{
	"type": "object",
	"properties": {
		"duration": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h)$"},
		"vus": {"type": "integer", "minimum": 1, "maximum": 100000},
		"rampUp": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h)$"},
		"thresholds": {"type": "object"}
	},
	"additionalProperties": true
}`)

// validateBrowserScripts checks the multi-test engine's minimal requirements.
// Deeper validation is delegated to the engine itself.
func validateBrowserScripts(prepared *Prepared) error {
	if prepared == nil || len(prepared.Tests) == 0 {
		return scriptErrorf("job has no test scripts")
	}
	for _, test := range prepared.Tests {
		if test.Body == "" {
			return scriptErrorf("test %s has an empty script body", test.ID)
		}
	}
	return nil
}

// validateLoadScripts enforces the load engine's stricter contract: exactly
// one primary test of the load type, a non-empty body, and statically valid
// options.
func validateLoadScripts(prepared *Prepared) (*TestScript, error) {
	if prepared == nil || len(prepared.Tests) == 0 {
		return nil, scriptErrorf("job has no test scripts")
	}

	var primary *TestScript
	for i := range prepared.Tests {
		if prepared.Tests[i].Type != loadTestType {
			continue
		}
		if primary != nil {
			return nil, scriptErrorf("job has more than one load test")
		}
		primary = &prepared.Tests[i]
	}
	if primary == nil {
		return nil, scriptErrorf("job has no test of type %q", loadTestType)
	}
	if primary.Body == "" {
		return nil, scriptErrorf("load test %s has an empty script body", primary.ID)
	}
	if len(primary.Options) > 0 {
		if err := schema.Validate("load-options", loadOptionsSchema, primary.Options); err != nil {
			return nil, scriptErrorf("load test %s options invalid: %v", primary.ID, err)
		}
	}
	return primary, nil
}
