package decision

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bare object",
			input: `{"choice":"coder","confidence":0.9}`,
			want:  `{"choice":"coder","confidence":0.9}`,
		},
		{
			name:  "prose around object",
			input: "Sure, here is the decision:\n{\"choice\":\"coder\",\"confidence\":0.9}\nLet me know.",
			want:  `{"choice":"coder","confidence":0.9}`,
		},
		{
			name:  "no object",
			input: "I cannot answer that.",
			want:  "{}",
		},
		{
			name:  "unbalanced",
			input: "}{",
			want:  "{}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(extractJSONObject(tt.input))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouteResponseParsing(t *testing.T) {
	raw := extractJSONObject("Decision follows.\n{\"choice\": \"researcher\", \"confidence\": 0.82, \"reasoning\": \"query asks for sources\"}")

	var resp RouteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Choice != "researcher" || resp.Confidence != 0.82 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDecomposeResponseParsing(t *testing.T) {
	raw := extractJSONObject(`{
		"tasks": [
			{"id": "t1", "description": "collect data"},
			{"id": "t2", "description": "analyze data", "target": "analyst", "dependencies": ["t1"]}
		],
		"reasoning": "two stages"
	}`)

	var resp DecomposeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(resp.Tasks))
	}
	if resp.Tasks[1].Target != "analyst" || len(resp.Tasks[1].Dependencies) != 1 {
		t.Errorf("task = %+v", resp.Tasks[1])
	}
}
