package schedule

import (
	"encoding/json"
	"testing"
)

func TestStripJSONC(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "line comment",
			in:   "{\"a\": 1 // trailing note\n}",
			want: "{\"a\": 1 \n}",
		},
		{
			name: "block comment",
			in:   `{"a": /* note */ 1}`,
			want: `{"a":  1}`,
		},
		{
			name: "hash comment at line start",
			in:   "# header\n{\"a\": 1}",
			want: "\n{\"a\": 1}",
		},
		{
			name: "hash inside value preserved",
			in:   `{"a": "#1"}`,
			want: `{"a": "#1"}`,
		},
		{
			name: "slashes inside string preserved",
			in:   `{"url": "http://x/*y*/z"}`,
			want: `{"url": "http://x/*y*/z"}`,
		},
		{
			name: "trailing comma in object",
			in:   "{\"a\": 1,\n}",
			want: "{\"a\": 1\n}",
		},
		{
			name: "trailing comma in array",
			in:   `{"a": [1, 2, ]}`,
			want: `{"a": [1, 2 ]}`,
		},
		{
			name: "comma inside string preserved",
			in:   `{"a": "x, }"}`,
			want: `{"a": "x, }"}`,
		},
		{
			name: "escaped quote in string",
			in:   `{"a": "he said \"hi\", ok", }`,
			want: `{"a": "he said \"hi\", ok" }`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := StripJSONC(tt.in); got != tt.want {
				t.Fatalf("StripJSONC(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripJSONCYieldsValidJSON(t *testing.T) {
	t.Parallel()
	in := `
# schedule for the demo cycle
{
	// two days only
	"days": {
		"1": [
			{"time": "10:00", "text": "go"}, /* first */
		],
	},
	"templates": {},
}`
	var v map[string]any
	if err := json.Unmarshal([]byte(StripJSONC(in)), &v); err != nil {
		t.Fatalf("stripped output is not valid JSON: %v", err)
	}
	if _, ok := v["days"]; !ok {
		t.Fatal("days key lost during stripping")
	}
}
