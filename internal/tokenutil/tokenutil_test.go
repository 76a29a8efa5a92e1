package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "index",
			want:    1, // max(1*1.33=1, 5/4=1) = 1
		},
		{
			name:    "prose sentence",
			content: "rebuild the retrieval index whenever the folder signature changes",
			want:    16, // len=65, 65/4=16; 9 words * 1.33 = 11 => max(11,16) = 16
		},
		{
			name:    "shell command",
			content: `sh -c 'find . -name "*.md" | wc -l'`,
			want:    11, // 9 fields * 1.33 = 11; len=35, 35/4=8 => max(11,8) = 11
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}
