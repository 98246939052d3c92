package openai

import "testing"

func TestModelDimensions(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tc := range cases {
		if got := modelDimensions(tc.model); got != tc.want {
			t.Errorf("modelDimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestNewResolvesDimensions(t *testing.T) {
	p, err := New("test-key", "text-embedding-3-large")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Dimensions(); got != 3072 {
		t.Errorf("Dimensions() = %d, want 3072", got)
	}
	if got := p.ModelID(); got != "text-embedding-3-large" {
		t.Errorf("ModelID() = %q", got)
	}

	// Explicit override wins over the model table.
	p, err = New("test-key", "my-finetune", WithDimensions(768))
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Dimensions(); got != 768 {
		t.Errorf("Dimensions() with override = %d, want 768", got)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("New with empty api key should fail")
	}
}
