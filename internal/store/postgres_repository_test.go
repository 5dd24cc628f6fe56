package store

import "testing"

func TestClampListLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero falls back to default", limit: 0, want: defaultListLimit},
		{name: "negative falls back to default", limit: -5, want: defaultListLimit},
		{name: "in range passes through", limit: 25, want: 25},
		{name: "at the cap passes through", limit: maxListLimit, want: maxListLimit},
		{name: "over the cap is capped", limit: 250, want: maxListLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampListLimit(tt.limit); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
